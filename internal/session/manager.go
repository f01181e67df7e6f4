package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/transport"
)

// Summary is a point-in-time view of one active session.
type Summary struct {
	ID          uuid.UUID
	Code        string
	Name        string
	Address     string
	State       State
	ConnectedAt time.Time
}

// Manager owns the set of concurrently connected sessions and routes shell
// commands to the right one by device code. At most one session exists per
// device address.
type Manager struct {
	tr             transport.Transport
	registry       *registry.Registry
	logger         *logrus.Logger
	connectTimeout time.Duration

	mu sync.Mutex
	// active preserves insertion order, which is connection order.
	active  *orderedmap.OrderedMap[string, *Session]
	current string // address of the most recently connected session
}

// NewManager creates a session manager on top of a transport and registry.
func NewManager(tr transport.Transport, reg *registry.Registry, logger *logrus.Logger, connectTimeout time.Duration) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		tr:             tr,
		registry:       reg,
		logger:         logger,
		connectTimeout: connectTimeout,
		active:         orderedmap.New[string, *Session](),
	}
}

// Scan drives a transport scan, recording every advertisement into the
// registry, and returns the cumulative device list.
func (m *Manager) Scan(ctx context.Context, duration time.Duration) ([]transport.DeviceAdvertisement, error) {
	if err := m.tr.Scan(ctx, duration, m.registry.Record); err != nil {
		return nil, err
	}
	return m.registry.List(), nil
}

// Connect resolves a device code and drives a new session through
// connecting. Fails with ErrAlreadyConnected if an active session exists
// for the resolved address; the existing session is untouched.
func (m *Manager) Connect(ctx context.Context, code string) (*Session, error) {
	adv, err := m.registry.Resolve(code)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.active.Get(adv.Address); ok {
		if !existing.State().Terminal() {
			m.mu.Unlock()
			return nil, &SessionError{Kind: AlreadyConnected, Msg: code}
		}
		// A dead session only awaits removal from the active set.
		m.active.Delete(adv.Address)
	}
	m.mu.Unlock()

	dialCtx := ctx
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}

	s, err := dial(dialCtx, m.tr, adv, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	existing, ok := m.active.Get(adv.Address)
	if ok && !existing.State().Terminal() {
		// A concurrent connect won the race; keep the first session.
		m.mu.Unlock()
		_ = s.Disconnect()
		return nil, &SessionError{Kind: AlreadyConnected, Msg: code}
	}
	m.active.Set(adv.Address, s)
	m.current = adv.Address
	m.mu.Unlock()
	return s, nil
}

// Lookup returns the active session for a code, or the most recently
// connected session when code is empty. Terminal sessions do not resolve.
func (m *Manager) Lookup(code string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code == "" {
		if m.current == "" {
			return nil, &SessionError{Kind: NotConnected, Msg: "no device connected"}
		}
		s, ok := m.active.Get(m.current)
		if !ok || s.State().Terminal() {
			return nil, &SessionError{Kind: NotConnected, Msg: "no device connected"}
		}
		return s, nil
	}

	if err := registry.ValidateCode(code); err != nil {
		return nil, err
	}
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Device().Code == code && !pair.Value.State().Terminal() {
			return pair.Value, nil
		}
	}
	return nil, &SessionError{Kind: NotConnected, Msg: code}
}

// Disconnect transitions the session for a code (or the current one) and
// removes it from the active set. Disconnecting an already-terminal
// session is a benign no-op surfacing ErrAlreadyDisconnected.
func (m *Manager) Disconnect(code string) error {
	m.mu.Lock()
	var target *Session
	if code == "" {
		if m.current != "" {
			target, _ = m.active.Get(m.current)
		}
	} else {
		if err := registry.ValidateCode(code); err != nil {
			m.mu.Unlock()
			return err
		}
		for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.Device().Code == code {
				target = pair.Value
				break
			}
		}
	}
	if target == nil {
		m.mu.Unlock()
		if code == "" {
			return &SessionError{Kind: NotConnected, Msg: "no device connected"}
		}
		// Disconnecting a device that is already gone is a benign no-op.
		return &SessionError{Kind: AlreadyDisconnected, Msg: code}
	}
	m.remove(target.Device().Address)
	m.mu.Unlock()

	return target.Disconnect()
}

// remove must be called with mu held.
func (m *Manager) remove(address string) {
	m.active.Delete(address)
	if m.current == address {
		m.current = ""
		if newest := m.active.Newest(); newest != nil {
			m.current = newest.Key
		}
	}
}

// Reap drops terminal sessions from the active set. Sessions that failed
// in the background stay listed (with their state) until reaped or
// explicitly disconnected, so the user sees what happened.
func (m *Manager) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dead []string
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.State().Terminal() {
			dead = append(dead, pair.Key)
		}
	}
	for _, addr := range dead {
		m.remove(addr)
	}
}

// ListActive returns summaries of all sessions in connection order.
func (m *Manager) ListActive() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]Summary, 0, m.active.Len())
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value
		summaries = append(summaries, Summary{
			ID:          s.ID(),
			Code:        s.Device().Code,
			Name:        s.Device().Name,
			Address:     s.Device().Address,
			State:       s.State(),
			ConnectedAt: s.ConnectedAt(),
		})
	}
	return summaries
}

// DisconnectAll tears down every active session, for shell shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, m.active.Len())
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		sessions = append(sessions, pair.Value)
	}
	m.active = orderedmap.New[string, *Session]()
	m.current = ""
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Disconnect(); err != nil && !errors.Is(err, ErrAlreadyDisconnected) {
			m.logger.WithError(err).WithField("device", s.Device().Code).Warn("Disconnect failed during shutdown")
		}
	}
}
