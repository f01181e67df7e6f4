// Package session implements the per-device session layer: a state machine
// owning one radio connection, demultiplexing measurement frames into
// per-measurement queues, and the manager routing shell commands to the
// right session.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/transport"
)

// State is the session lifecycle state. Disconnected and Failed are
// terminal: a new connect produces a new Session, never a resurrected one.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateStreaming
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

const stateTopic = "state"

// Session owns one active connection to a device and its measurement
// queues. All state transitions are serialized by mu; frame delivery and
// queue drains only contend on the per-measurement queue locks.
type Session struct {
	id     uuid.UUID
	device transport.DeviceAdvertisement
	logger *logrus.Entry

	mu          sync.Mutex
	conn        transport.Conn
	state       State
	lastErr     error
	streaming   []string
	streamStart time.Time
	connectedAt time.Time

	queues *xsync.MapOf[string, *sampleQueue]
	events *pubsub.PubSub[string, State]
}

// dial drives a new session through connecting. On transport failure the
// session is discarded and the transport's ConnectError is returned;
// retries are a fresh user command, never automatic.
func dial(ctx context.Context, tr transport.Transport, adv transport.DeviceAdvertisement, logger *logrus.Logger) (*Session, error) {
	s := &Session{
		id:     uuid.New(),
		device: adv,
		state:  StateConnecting,
		queues: xsync.NewMapOf[string, *sampleQueue](),
		events: pubsub.New[string, State](8),
		logger: logger.WithFields(logrus.Fields{
			"device":  adv.Code,
			"address": adv.Address,
		}),
	}

	conn, err := tr.Connect(ctx, adv.Address)
	if err != nil {
		s.mu.Lock()
		s.toTerminal(StateFailed, err)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.mu.Unlock()

	conn.OnDisconnect(s.handleLinkLoss)
	if err := conn.Subscribe(s.handleFrame); err != nil {
		s.mu.Lock()
		s.toTerminal(StateFailed, err)
		s.mu.Unlock()
		_ = conn.Close()
		return nil, &transport.ConnectError{Address: adv.Address, Err: err}
	}

	s.logger.WithField("session", s.id).Info("Session established")
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

// Device returns the advertisement snapshot this session was dialed from.
func (s *Session) Device() transport.DeviceAdvertisement { return s.device }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that forced the session into failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ConnectedAt returns the connection time, used for ordering active sessions.
func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// SubscribeState registers a consumer for state transitions. The returned
// channel closes when the session reaches a terminal state; that close is
// the reliable terminal signal even if intermediate notifications were
// missed. Fails if the session is already terminal.
func (s *Session) SubscribeState() (<-chan State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil, &SessionError{Kind: AlreadyDisconnected, Msg: s.device.Code}
	}
	return s.events.Sub(stateTopic), nil
}

// publishState must be called with mu held.
func (s *Session) publishState() {
	s.events.TryPub(s.state, stateTopic)
	if s.state.Terminal() {
		s.events.Shutdown()
	}
}

// toTerminal must be called with mu held.
func (s *Session) toTerminal(st State, err error) {
	if s.state.Terminal() {
		return
	}
	s.state = st
	s.lastErr = err
	s.publishState()
}

// handleLinkLoss is invoked by the transport on mid-session link loss.
func (s *Session) handleLinkLoss(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.logger.WithError(err).Warn("Connection lost")
	s.toTerminal(StateFailed, err)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// handleFrame decodes one notification frame and pushes its samples onto
// the owning measurement's queue in arrival order. Unrecognized frame tags
// are ignored, not fatal.
func (s *Session) handleFrame(frame []byte) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	at := time.Since(s.streamStart)
	s.mu.Unlock()

	measurement, values := pasco.DecodeFrame(frame)
	if measurement == "" {
		return
	}

	q, _ := s.queues.LoadOrCompute(measurement, newSampleQueue)
	for _, v := range values {
		q.push(pasco.Sample{Measurement: measurement, At: at, Value: v})
	}
}

// Info reads device metadata. Valid while connected or streaming.
func (s *Session) Info(ctx context.Context) (*transport.DeviceInfo, error) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateConnecting {
		st := s.state
		s.mu.Unlock()
		return nil, &SessionError{Kind: InvalidState, Msg: fmt.Sprintf("cannot query info while %s", st)}
	}
	conn := s.conn
	s.mu.Unlock()

	return conn.ReadInfo(ctx)
}

// StartStream asks the device to stream the named measurements and enters
// streaming. Measurement names unknown to this build are rejected up front
// rather than silently producing an empty stream.
func (s *Session) StartStream(measurements []string) error {
	if len(measurements) == 0 {
		return fmt.Errorf("no measurements specified")
	}

	tags := make([]byte, 0, len(measurements))
	var unknown []string
	for _, name := range measurements {
		tag, ok := pasco.MeasurementTag(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		tags = append(tags, tag)
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown measurements: %s", strings.Join(unknown, ", "))
	}

	s.mu.Lock()
	if s.state != StateConnected {
		st := s.state
		s.mu.Unlock()
		return &SessionError{Kind: InvalidState, Msg: fmt.Sprintf("cannot start streaming while %s", st)}
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Write(pasco.EncodeStartCommand(tags)); err != nil {
		s.failOnTransport(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return &SessionError{Kind: InvalidState, Msg: fmt.Sprintf("session became %s during start", s.state)}
	}
	s.streaming = append([]string(nil), measurements...)
	s.streamStart = time.Now()
	s.state = StateStreaming
	s.publishState()
	s.logger.WithField("measurements", measurements).Info("Streaming started")
	return nil
}

// StopStream asks the device to stop and returns to connected.
func (s *Session) StopStream() error {
	s.mu.Lock()
	if s.state != StateStreaming {
		st := s.state
		s.mu.Unlock()
		return &SessionError{Kind: InvalidState, Msg: fmt.Sprintf("not streaming (state %s)", st)}
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Write(pasco.EncodeStopCommand()); err != nil {
		s.failOnTransport(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return nil
	}
	s.state = StateConnected
	s.streaming = nil
	s.publishState()
	s.logger.Info("Streaming stopped")
	return nil
}

// failOnTransport forces the session into failed after a transport error
// on a command write.
func (s *Session) failOnTransport(err error) {
	s.mu.Lock()
	s.logger.WithError(err).Warn("Transport error, failing session")
	s.toTerminal(StateFailed, err)
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Disconnect transitions to disconnected. Returns ErrAlreadyDisconnected
// (a benign notice) if the session is already terminal.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return &SessionError{Kind: AlreadyDisconnected, Msg: s.device.Code}
	}
	wasStreaming := s.state == StateStreaming
	conn := s.conn
	s.toTerminal(StateDisconnected, nil)
	s.mu.Unlock()

	if wasStreaming && conn != nil {
		// Best effort; the device stops on link teardown anyway.
		_ = conn.Write(pasco.EncodeStopCommand())
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.logger.Info("Session disconnected")
	return err
}

// StreamingMeasurements returns the measurement names of the active
// stream, nil when not streaming.
func (s *Session) StreamingMeasurements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.streaming...)
}

// Drain removes and returns the buffered samples of one measurement in
// delivery order. Consumers attached after streaming began should call
// DiscardBacklog first; they only observe samples delivered after
// attachment.
func (s *Session) Drain(measurement string) []pasco.Sample {
	q, ok := s.queues.Load(measurement)
	if !ok {
		return nil
	}
	return q.drain()
}

// DiscardBacklog drops any samples buffered before a consumer attached.
func (s *Session) DiscardBacklog(measurements ...string) {
	for _, m := range measurements {
		if q, ok := s.queues.Load(m); ok {
			q.drain()
		}
	}
}

// QueueLen returns the number of buffered samples for a measurement.
func (s *Session) QueueLen(measurement string) int {
	q, ok := s.queues.Load(measurement)
	if !ok {
		return 0
	}
	return q.len()
}
