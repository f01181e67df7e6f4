// Package capture implements the consumers attached to a session's
// measurement queues: the Recorder, which flushes samples to a file sink
// on a fixed cadence, and the Watcher, which forwards them to a live
// display sink at interactive refresh rates.
package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/session"
)

// Sink receives sample batches in arrival order. A file for the Recorder,
// a live display for the Watcher.
type Sink interface {
	WriteSamples(samples []pasco.Sample) error
	Close() error
}

// Kind distinguishes the two consumer shapes for logging and display.
type Kind string

const (
	KindRecorder Kind = "recorder"
	KindWatcher  Kind = "watcher"
)

// Capture is one running consumer. Its lifetime is bounded by an explicit
// Stop, session death, or process exit. Consumers attached after streaming
// began only observe samples delivered after attachment.
type Capture struct {
	id           uuid.UUID
	kind         Kind
	session      *session.Session
	measurements []string
	interval     time.Duration
	sink         Sink
	logger       *logrus.Entry

	states   <-chan session.State
	stopOnce sync.Once
	cancel   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	partial bool
	sinkErr error
	flushed int
}

// StartRecorder attaches a recorder to a streaming session. A nil
// measurement list subscribes to everything the session streams.
func StartRecorder(s *session.Session, measurements []string, interval time.Duration, sink Sink, logger *logrus.Logger) (*Capture, error) {
	return start(KindRecorder, s, measurements, interval, sink, logger)
}

// StartWatcher attaches a watcher for a single measurement. The drain
// cadence is the caller's; interactive use wants a short interval and
// small batches.
func StartWatcher(s *session.Session, measurement string, interval time.Duration, sink Sink, logger *logrus.Logger) (*Capture, error) {
	return start(KindWatcher, s, []string{measurement}, interval, sink, logger)
}

func start(kind Kind, s *session.Session, measurements []string, interval time.Duration, sink Sink, logger *logrus.Logger) (*Capture, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if len(measurements) == 0 {
		measurements = s.StreamingMeasurements()
	}
	if len(measurements) == 0 {
		return nil, fmt.Errorf("session %s is not streaming any measurements", s.Device().Code)
	}

	states, err := s.SubscribeState()
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != session.StateStreaming {
		return nil, &session.SessionError{
			Kind: session.InvalidState,
			Msg:  fmt.Sprintf("cannot attach %s while %s", kind, st),
		}
	}

	c := &Capture{
		id:           uuid.New(),
		kind:         kind,
		session:      s,
		measurements: append([]string(nil), measurements...),
		interval:     interval,
		sink:         sink,
		states:       states,
		cancel:       make(chan struct{}),
		done:         make(chan struct{}),
		logger: logger.WithFields(logrus.Fields{
			"capture": kind,
			"device":  s.Device().Code,
		}),
	}

	// Attachment point: anything delivered earlier belongs to nobody.
	s.DiscardBacklog(c.measurements...)

	go c.run()
	c.logger.WithFields(logrus.Fields{
		"id":           c.id,
		"measurements": c.measurements,
		"interval":     interval,
	}).Info("Capture attached")
	return c, nil
}

// ID returns the capture's unique id.
func (c *Capture) ID() uuid.UUID { return c.id }

// Kind returns whether this capture records or watches.
func (c *Capture) Kind() Kind { return c.kind }

// Measurements returns the subscribed measurement names.
func (c *Capture) Measurements() []string {
	return append([]string(nil), c.measurements...)
}

func (c *Capture) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.cancel:
			c.finish()
			return

		case st, ok := <-c.states:
			// A closed channel is the terminal signal; intermediate
			// notifications may be dropped but the close never is.
			if !ok || st.Terminal() {
				c.mu.Lock()
				c.partial = true
				c.mu.Unlock()
				c.finish()
				return
			}

		case <-ticker.C:
			if err := c.flush(); err != nil {
				// Sink failure stops the capture; the session stays alive.
				c.mu.Lock()
				c.sinkErr = err
				c.mu.Unlock()
				c.logger.WithError(err).Error("Sink write failed, stopping capture")
				c.closeSink()
				return
			}
		}
	}
}

// flush drains newly arrived samples since the last flush and hands them
// to the sink in arrival order.
func (c *Capture) flush() error {
	for _, m := range c.measurements {
		batch := c.session.Drain(m)
		if len(batch) == 0 {
			continue
		}
		if err := c.sink.WriteSamples(batch); err != nil {
			return err
		}
		c.mu.Lock()
		c.flushed += len(batch)
		c.mu.Unlock()
	}
	return nil
}

// finish flushes the buffered remainder and closes the sink.
func (c *Capture) finish() {
	if err := c.flush(); err != nil {
		c.mu.Lock()
		c.sinkErr = err
		c.mu.Unlock()
		c.logger.WithError(err).Error("Final flush failed")
	}
	c.closeSink()

	c.mu.Lock()
	partial, flushed := c.partial, c.flushed
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"samples": flushed,
		"partial": partial,
	}).Info("Capture stopped")
}

func (c *Capture) closeSink() {
	if err := c.sink.Close(); err != nil {
		c.mu.Lock()
		if c.sinkErr == nil {
			c.sinkErr = err
		}
		c.mu.Unlock()
	}
}

// Stop detaches the capture, flushing any buffered remainder. Idempotent:
// a second call produces no error and no duplicate flush. The returned
// error reports sink I/O failure, if any.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() { close(c.cancel) })
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkErr
}

// Wait blocks until the capture has finished for any reason.
func (c *Capture) Wait() {
	<-c.done
}

// Stopped reports whether the capture has finished.
func (c *Capture) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Partial reports whether the capture was cut short by session death; a
// partial capture is a notice, not an error, and the sink holds exactly
// the samples delivered before the failure.
func (c *Capture) Partial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

// Flushed returns the number of samples handed to the sink.
func (c *Capture) Flushed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

// Err returns the sink error that stopped the capture, if any.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinkErr
}
