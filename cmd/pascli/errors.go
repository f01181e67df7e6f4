package main

import (
	"errors"

	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/session"
	"github.com/pasgo/pascli/internal/transport"
)

// FormatUserError turns internal errors into messages fit for the prompt.
// User input errors and connection problems read as plain sentences; the
// raw error text is already descriptive for everything else.
func FormatUserError(err error) string {
	var (
		invalidCode *registry.InvalidCodeError
		unknownDev  *registry.UnknownDeviceError
		connectErr  *transport.ConnectError
	)
	switch {
	case errors.As(err, &invalidCode):
		return invalidCode.Error()
	case errors.As(err, &unknownDev):
		return unknownDev.Error() + " (run scan first)"
	case errors.As(err, &connectErr):
		return "connection failed: " + connectErr.Err.Error()
	case errors.Is(err, session.ErrNotConnected):
		return "no connected device" + detailSuffix(err)
	case errors.Is(err, session.ErrAlreadyConnected):
		return "already connected" + detailSuffix(err)
	default:
		return err.Error()
	}
}

func detailSuffix(err error) string {
	var serr *session.SessionError
	if errors.As(err, &serr) && serr.Msg != "" && serr.Msg != "no device connected" {
		return ": " + serr.Msg
	}
	return ""
}
