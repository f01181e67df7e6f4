package session

import "fmt"

// ErrorKind represents the specific kind of session lookup or lifecycle
// failure.
type ErrorKind string

const (
	NotConnected        ErrorKind = "not_connected"
	AlreadyConnected    ErrorKind = "already_connected"
	AlreadyDisconnected ErrorKind = "already_disconnected"
	InvalidState        ErrorKind = "invalid_state"
)

// SessionError represents any session lifecycle problem.
//
//nolint:revive // SessionError name is intentional for clarity when used as a session.SessionError
type SessionError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare SessionError values by Kind
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for session states
var (
	ErrNotConnected        = &SessionError{Kind: NotConnected}
	ErrAlreadyConnected    = &SessionError{Kind: AlreadyConnected}
	ErrAlreadyDisconnected = &SessionError{Kind: AlreadyDisconnected}
	ErrInvalidState        = &SessionError{Kind: InvalidState}
)
