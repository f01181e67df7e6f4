// Package testutils provides test doubles shared across packages, most
// importantly a scriptable in-memory transport.
package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/transport"
)

// FakeTransport is an in-memory transport. Scans replay the configured
// advertisements; connections are scriptable FakeConns.
type FakeTransport struct {
	mu             sync.Mutex
	advertisements []transport.DeviceAdvertisement
	connectErr     error
	connectDelay   time.Duration
	conns          map[string]*FakeConn
}

// NewFakeTransport creates a fake transport advertising the given devices.
func NewFakeTransport(advs ...transport.DeviceAdvertisement) *FakeTransport {
	return &FakeTransport{
		advertisements: advs,
		conns:          make(map[string]*FakeConn),
	}
}

// Advertise adds devices to be reported by subsequent scans.
func (t *FakeTransport) Advertise(advs ...transport.DeviceAdvertisement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertisements = append(t.advertisements, advs...)
}

// FailConnects makes every subsequent Connect fail with the given cause.
func (t *FakeTransport) FailConnects(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = cause
}

// DelayConnects makes Connect block, to exercise caller-supplied timeouts.
func (t *FakeTransport) DelayConnects(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectDelay = d
}

// Conn returns the connection dialed to an address, if any.
func (t *FakeTransport) Conn(address string) *FakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[address]
}

func (t *FakeTransport) Scan(ctx context.Context, duration time.Duration, found func(transport.DeviceAdvertisement)) error {
	t.mu.Lock()
	advs := append([]transport.DeviceAdvertisement(nil), t.advertisements...)
	t.mu.Unlock()

	for _, adv := range advs {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		found(adv)
	}
	return nil
}

func (t *FakeTransport) Connect(ctx context.Context, address string) (transport.Conn, error) {
	t.mu.Lock()
	connectErr := t.connectErr
	delay := t.connectDelay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &transport.ConnectError{Address: address, Err: ctx.Err()}
		}
	}
	if connectErr != nil {
		return nil, &transport.ConnectError{Address: address, Err: connectErr}
	}
	select {
	case <-ctx.Done():
		return nil, &transport.ConnectError{Address: address, Err: ctx.Err()}
	default:
	}

	conn := &FakeConn{address: address}
	t.mu.Lock()
	t.conns[address] = conn
	t.mu.Unlock()
	return conn, nil
}

// FakeConn is one scriptable in-memory connection.
type FakeConn struct {
	address string

	mu           sync.Mutex
	info         *transport.DeviceInfo
	writeErr     error
	writes       [][]byte
	onFrame      func([]byte)
	onDisconnect func(error)
	closed       bool
}

// SetInfo configures the device metadata returned by ReadInfo.
func (c *FakeConn) SetInfo(info *transport.DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
}

// FailWrites makes subsequent writes fail with a transport error.
func (c *FakeConn) FailWrites(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = cause
}

// Writes returns every command written so far.
func (c *FakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// Closed reports whether Close was called or the link was dropped.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DeliverFrame encodes and delivers one measurement frame to the
// registered notification sink, as the device would.
func (c *FakeConn) DeliverFrame(measurement string, values ...float64) error {
	frame, err := pasco.EncodeFrame(measurement, values...)
	if err != nil {
		return err
	}
	c.DeliverRaw(frame)
	return nil
}

// DeliverRaw delivers an arbitrary frame payload, recognized or not.
func (c *FakeConn) DeliverRaw(frame []byte) {
	c.mu.Lock()
	onFrame := c.onFrame
	c.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}
}

// DropLink simulates mid-session link loss.
func (c *FakeConn) DropLink() {
	c.mu.Lock()
	c.closed = true
	fn := c.onDisconnect
	c.mu.Unlock()
	if fn != nil {
		fn(&transport.TransportError{Op: "link", Err: fmt.Errorf("connection lost")})
	}
}

func (c *FakeConn) ReadInfo(ctx context.Context) (*transport.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &transport.TransportError{Op: "read-info", Err: fmt.Errorf("connection closed")}
	}
	if c.info == nil {
		return &transport.DeviceInfo{Name: "Fake Sensor", Code: ""}, nil
	}
	return c.info, nil
}

func (c *FakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.TransportError{Op: "write", Err: fmt.Errorf("connection closed")}
	}
	if c.writeErr != nil {
		return &transport.TransportError{Op: "write", Err: c.writeErr}
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *FakeConn) Subscribe(onFrame func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onFrame != nil {
		return &transport.TransportError{Op: "subscribe", Err: fmt.Errorf("already subscribed")}
	}
	c.onFrame = onFrame
	return nil
}

func (c *FakeConn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SensorDevice builds a DeviceInfo with one sensor exposing the given
// measurement/unit pairs, alternating name, unit.
func SensorDevice(name, sensorName string, measurementUnits ...string) *transport.DeviceInfo {
	sensor := pasco.SensorInfo{Name: sensorName}
	for i := 0; i+1 < len(measurementUnits); i += 2 {
		sensor.Measurements = append(sensor.Measurements, pasco.MeasurementInfo{
			Name: measurementUnits[i],
			Unit: measurementUnits[i+1],
		})
	}
	code, _ := pasco.CodeFromName(name)
	return &transport.DeviceInfo{Name: name, Code: code, Sensors: []pasco.SensorInfo{sensor}}
}
