package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/testutils"
	"github.com/pasgo/pascli/internal/transport"
)

const (
	testCode    = "178-396"
	testAddress = "AA:BB:CC:DD:EE:01"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testAdv(code, address string) transport.DeviceAdvertisement {
	return transport.DeviceAdvertisement{
		Code:    code,
		Name:    "Wireless Force Sensor " + code,
		Address: address,
		RSSI:    -40,
	}
}

// newTestManager builds a manager over a fake transport with the given
// devices already scanned into the registry.
func newTestManager(t *testing.T, advs ...transport.DeviceAdvertisement) (*Manager, *testutils.FakeTransport) {
	t.Helper()
	tr := testutils.NewFakeTransport(advs...)
	reg := registry.New(quietLogger())
	m := NewManager(tr, reg, quietLogger(), time.Second)
	_, err := m.Scan(context.Background(), 0)
	require.NoError(t, err)
	return m, tr
}

func connectTestSession(t *testing.T) (*Session, *testutils.FakeConn) {
	t.Helper()
	m, tr := newTestManager(t, testAdv(testCode, testAddress))
	s, err := m.Connect(context.Background(), testCode)
	require.NoError(t, err)
	return s, tr.Conn(testAddress)
}

func TestSession_Connect(t *testing.T) {
	s, conn := connectTestSession(t)

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, testCode, s.Device().Code)
	assert.False(t, s.ConnectedAt().IsZero())
	assert.NotNil(t, conn)
	assert.False(t, s.State().Terminal())
}

func TestSession_StartStream(t *testing.T) {
	s, conn := connectTestSession(t)

	require.NoError(t, s.StartStream([]string{"force"}))
	assert.Equal(t, StateStreaming, s.State())
	assert.Equal(t, []string{"force"}, s.StreamingMeasurements())

	writes := conn.Writes()
	require.Len(t, writes, 1)
	forceTag, _ := pasco.MeasurementTag("force")
	assert.Equal(t, pasco.EncodeStartCommand([]byte{forceTag}), writes[0])
}

func TestSession_StartStreamUnknownMeasurement(t *testing.T) {
	s, _ := connectTestSession(t)

	err := s.StartStream([]string{"humidity"})
	assert.Error(t, err)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_StartStreamRequiresConnected(t *testing.T) {
	s, _ := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	err := s.StartStream([]string{"force"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_FramesQueuedInArrivalOrder(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	require.NoError(t, conn.DeliverFrame("force", 2.0))
	require.NoError(t, conn.DeliverFrame("force", 2.5))

	samples := s.Drain("force")
	require.Len(t, samples, 2)
	assert.InDelta(t, 2.0, samples[0].Value, 1e-6)
	assert.InDelta(t, 2.5, samples[1].Value, 1e-6)
	assert.Equal(t, "force", samples[0].Measurement)

	// Drained samples are gone for good.
	assert.Nil(t, s.Drain("force"))
}

func TestSession_NoDropsNoDuplicates(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	var got []pasco.Sample
	for i := 0; i < 500; i++ {
		require.NoError(t, conn.DeliverFrame("force", float64(i)))
		if i%97 == 0 {
			got = append(got, s.Drain("force")...)
		}
	}
	got = append(got, s.Drain("force")...)

	require.Len(t, got, 500)
	for i, sample := range got {
		assert.InDelta(t, float64(i), sample.Value, 1e-6, "sample %d out of order", i)
	}
}

func TestSession_DemuxAcrossMeasurements(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force", "temperature"}))

	require.NoError(t, conn.DeliverFrame("force", 1.0))
	require.NoError(t, conn.DeliverFrame("temperature", 21.0))
	require.NoError(t, conn.DeliverFrame("force", 2.0))

	force := s.Drain("force")
	temp := s.Drain("temperature")
	require.Len(t, force, 2)
	require.Len(t, temp, 1)
	assert.InDelta(t, 1.0, force[0].Value, 1e-6)
	assert.InDelta(t, 2.0, force[1].Value, 1e-6)
	assert.InDelta(t, 21.0, temp[0].Value, 1e-6)
}

func TestSession_UnknownFrameTagIgnored(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	conn.DeliverRaw([]byte{0xEE, 0x00, 0x00, 0x80, 0x3F})
	require.NoError(t, conn.DeliverFrame("force", 1.0))

	assert.Equal(t, StateStreaming, s.State())
	assert.Len(t, s.Drain("force"), 1)
}

func TestSession_FramesIgnoredBeforeStreaming(t *testing.T) {
	s, conn := connectTestSession(t)

	require.NoError(t, conn.DeliverFrame("force", 1.0))
	assert.Equal(t, 0, s.QueueLen("force"))
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_StopStream(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	require.NoError(t, s.StopStream())
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, s.StreamingMeasurements())

	writes := conn.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, pasco.EncodeStopCommand(), writes[1])
}

func TestSession_DisconnectIsTerminal(t *testing.T) {
	s, conn := connectTestSession(t)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
	assert.True(t, conn.Closed())

	err := s.Disconnect()
	assert.ErrorIs(t, err, ErrAlreadyDisconnected)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_LinkLossFails(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	conn.DropLink()

	assert.Equal(t, StateFailed, s.State())
	var terr *transport.TransportError
	assert.ErrorAs(t, s.Err(), &terr)
}

func TestSession_WriteFailureFails(t *testing.T) {
	s, conn := connectTestSession(t)
	conn.FailWrites(fmt.Errorf("link dropped"))

	err := s.StartStream([]string{"force"})
	var terr *transport.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_StateNotifications(t *testing.T) {
	s, _ := connectTestSession(t)

	states, err := s.SubscribeState()
	require.NoError(t, err)

	require.NoError(t, s.StartStream([]string{"force"}))
	select {
	case st := <-states:
		assert.Equal(t, StateStreaming, st)
	case <-time.After(time.Second):
		t.Fatal("expected streaming notification")
	}

	require.NoError(t, s.Disconnect())
	// Terminal transition closes the channel after the last notification.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-states:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected state channel to close on disconnect")
		}
	}
}

func TestSession_SubscribeStateAfterTerminal(t *testing.T) {
	s, _ := connectTestSession(t)
	require.NoError(t, s.Disconnect())

	_, err := s.SubscribeState()
	assert.ErrorIs(t, err, ErrAlreadyDisconnected)
}

func TestSession_DiscardBacklog(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	require.NoError(t, conn.DeliverFrame("force", 1.0))
	require.NoError(t, conn.DeliverFrame("force", 2.0))
	s.DiscardBacklog("force")
	require.NoError(t, conn.DeliverFrame("force", 3.0))

	samples := s.Drain("force")
	require.Len(t, samples, 1)
	assert.InDelta(t, 3.0, samples[0].Value, 1e-6)
}

func TestSession_Info(t *testing.T) {
	s, conn := connectTestSession(t)
	conn.SetInfo(testutils.SensorDevice(
		"Wireless Force Sensor 178-396", "Force Sensor",
		"force", "N", "acceleration", "m/s²",
	))

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testCode, info.Code)
	require.Len(t, info.Sensors, 1)
	require.Len(t, info.Sensors[0].Measurements, 2)
	assert.Equal(t, "N", info.Sensors[0].Measurements[0].Unit)
}

func TestSession_InfoAfterDisconnect(t *testing.T) {
	s, _ := connectTestSession(t)
	require.NoError(t, s.Disconnect())

	_, err := s.Info(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_SampleTimestampsMonotonic(t *testing.T) {
	s, conn := connectTestSession(t)
	require.NoError(t, s.StartStream([]string{"force"}))

	require.NoError(t, conn.DeliverFrame("force", 1.0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, conn.DeliverFrame("force", 2.0))

	samples := s.Drain("force")
	require.Len(t, samples, 2)
	assert.GreaterOrEqual(t, samples[1].At, samples[0].At)
}

func TestConnect_RefusedSurfacesConnectError(t *testing.T) {
	m, tr := newTestManager(t, testAdv(testCode, testAddress))
	tr.FailConnects(errors.New("refused"))

	_, err := m.Connect(context.Background(), testCode)
	var cerr *transport.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, m.ListActive())
}
