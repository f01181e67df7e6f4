// Package goble implements the transport contract on top of the go-ble
// stack.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/transport"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// normalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Transport is the go-ble backed radio transport.
type Transport struct {
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

// New creates a go-ble transport.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// init lazily creates the BLE device and installs it as the default.
// Creating the device twice confuses the underlying stack, so it happens
// once per process.
func (t *Transport) init() error {
	t.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			t.initErr = fmt.Errorf("failed to create BLE device: %w", err)
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return t.initErr
}

// Scan discovers advertising vendor sensors. Advertisements whose local
// name does not carry a device code are not vendor units and are skipped.
func (t *Transport) Scan(ctx context.Context, duration time.Duration, found func(transport.DeviceAdvertisement)) error {
	if err := t.init(); err != nil {
		return err
	}

	scanCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	t.logger.WithField("duration", duration).Info("Starting BLE scan...")

	err := ble.Scan(scanCtx, true, func(adv ble.Advertisement) {
		code, ok := pasco.CodeFromName(adv.LocalName())
		if !ok {
			return
		}
		found(transport.DeviceAdvertisement{
			Code:    code,
			Name:    adv.LocalName(),
			Address: adv.Addr().String(),
			RSSI:    adv.RSSI(),
		})
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	t.logger.Info("BLE scan completed")
	return nil
}

// Connect dials the device and resolves the vendor service characteristics.
func (t *Transport) Connect(ctx context.Context, address string) (transport.Conn, error) {
	if err := t.init(); err != nil {
		return nil, &transport.ConnectError{Address: address, Err: err}
	}

	t.logger.WithField("address", address).Info("Connecting to BLE device...")

	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, &transport.ConnectError{Address: address, Err: err}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, &transport.ConnectError{Address: address, Err: fmt.Errorf("failed to discover profile: %w", err)}
	}

	conn := &bleConn{
		client: client,
		logger: t.logger,
	}
	for _, svc := range profile.Services {
		if normalizeUUID(svc.UUID.String()) != normalizeUUID(pasco.ServiceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			switch normalizeUUID(char.UUID.String()) {
			case normalizeUUID(pasco.MeasurementUUID):
				conn.measChar = char
			case normalizeUUID(pasco.CommandUUID):
				conn.cmdChar = char
			case normalizeUUID(pasco.SensorTableUUID):
				conn.tableChar = char
			}
		}
	}
	if conn.measChar == nil || conn.cmdChar == nil {
		client.CancelConnection()
		return nil, &transport.ConnectError{
			Address: address,
			Err:     fmt.Errorf("device does not expose the sensor service %s", pasco.ServiceUUID),
		}
	}

	go conn.watchLink()

	t.logger.WithField("address", address).Info("BLE device connected")
	return conn, nil
}

// bleConn is one live go-ble client, exclusively owned by its session.
type bleConn struct {
	client    ble.Client
	logger    *logrus.Logger
	measChar  *ble.Characteristic
	cmdChar   *ble.Characteristic
	tableChar *ble.Characteristic

	mu           sync.Mutex
	closed       bool
	onDisconnect func(error)
}

func (c *bleConn) ReadInfo(ctx context.Context) (*transport.DeviceInfo, error) {
	if c.tableChar == nil {
		return nil, &transport.TransportError{Op: "read-info", Err: fmt.Errorf("device has no sensor descriptor table")}
	}
	data, err := c.client.ReadCharacteristic(c.tableChar)
	if err != nil {
		return nil, &transport.TransportError{Op: "read-info", Err: err}
	}
	sensors, err := pasco.DecodeSensorTable(data)
	if err != nil {
		return nil, &transport.TransportError{Op: "read-info", Err: err}
	}
	name := c.client.Name()
	code, _ := pasco.CodeFromName(name)
	return &transport.DeviceInfo{Name: name, Code: code, Sensors: sensors}, nil
}

func (c *bleConn) Write(data []byte) error {
	// go-ble clients are not safe for concurrent writes
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.TransportError{Op: "write", Err: fmt.Errorf("connection closed")}
	}
	if err := c.client.WriteCharacteristic(c.cmdChar, data, true); err != nil {
		return &transport.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *bleConn) Subscribe(onFrame func([]byte)) error {
	err := c.client.Subscribe(c.measChar, false, func(data []byte) {
		// go-ble reuses the notification buffer; hand consumers a copy
		frame := make([]byte, len(data))
		copy(frame, data)
		onFrame(frame)
	})
	if err != nil {
		return &transport.TransportError{Op: "subscribe", Err: err}
	}
	return nil
}

func (c *bleConn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// watchLink waits for the client's disconnect signal and reports link loss
// unless Close already ran.
func (c *bleConn) watchLink() {
	<-c.client.Disconnected()

	c.mu.Lock()
	fn := c.onDisconnect
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if wasClosed || fn == nil {
		return
	}
	fn(&transport.TransportError{Op: "link", Err: fmt.Errorf("connection lost")})
}

func (c *bleConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.measChar != nil {
		// Best effort; the link may already be gone.
		_ = c.client.Unsubscribe(c.measChar, false)
	}
	if err := c.client.CancelConnection(); err != nil {
		return &transport.TransportError{Op: "close", Err: err}
	}
	return nil
}
