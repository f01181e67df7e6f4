// Package transport defines the radio capability contract the session
// layer is built on. The go-ble backed implementation lives in the goble
// subpackage; tests substitute a fake. The transport is the only source of
// non-determinism and failure injection in the core.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pasgo/pascli/internal/pasco"
)

// DeviceAdvertisement is an immutable snapshot of one scan result. Later
// scans of the same code supersede it; it is never mutated in place.
type DeviceAdvertisement struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// DeviceInfo is the metadata an info query reads from a connected device.
type DeviceInfo struct {
	Name    string
	Code    string
	Sensors []pasco.SensorInfo
}

// Transport exposes the radio stack's scan and connect primitives.
type Transport interface {
	// Scan discovers advertising sensors for at most the given duration,
	// invoking found for each advertisement in arrival order. A zero or
	// negative duration scans until ctx is cancelled. Restartable.
	Scan(ctx context.Context, duration time.Duration, found func(DeviceAdvertisement)) error

	// Connect dials the device at address. The caller bounds the attempt
	// via ctx; refusal or timeout surfaces as *ConnectError.
	Connect(ctx context.Context, address string) (Conn, error)
}

// Conn is one live link to a device, exclusively owned by its Session.
type Conn interface {
	// ReadInfo reads the device name and sensor descriptor table.
	ReadInfo(ctx context.Context) (*DeviceInfo, error)

	// Write sends a command to the device. Link loss surfaces as
	// *TransportError.
	Write(data []byte) error

	// Subscribe registers the notification sink. Frames arrive
	// asynchronously, one at a time, in arrival order. Only one sink may
	// be registered per connection.
	Subscribe(onFrame func(frame []byte)) error

	// OnDisconnect registers a callback invoked once if the link is lost
	// without an explicit Close.
	OnDisconnect(fn func(err error))

	// Close tears the link down. Idempotent.
	Close() error
}

// ConnectError reports a refused or timed-out connection attempt.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports mid-session link loss or a failed link operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
