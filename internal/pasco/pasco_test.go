package pasco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	t.Run("decodes a single value", func(t *testing.T) {
		frame, err := EncodeFrame("force", 2.5)
		require.NoError(t, err)

		measurement, values := DecodeFrame(frame)
		assert.Equal(t, "force", measurement)
		require.Len(t, values, 1)
		assert.InDelta(t, 2.5, values[0], 1e-6)
	})

	t.Run("decodes multiple values in order", func(t *testing.T) {
		frame, err := EncodeFrame("temperature", 20.5, 21.0, 21.5)
		require.NoError(t, err)

		measurement, values := DecodeFrame(frame)
		assert.Equal(t, "temperature", measurement)
		require.Len(t, values, 3)
		assert.InDelta(t, 20.5, values[0], 1e-6)
		assert.InDelta(t, 21.0, values[1], 1e-6)
		assert.InDelta(t, 21.5, values[2], 1e-6)
	})

	t.Run("ignores unknown tags", func(t *testing.T) {
		frame := []byte{0xEE, 0x00, 0x00, 0x00, 0x40}
		measurement, values := DecodeFrame(frame)
		assert.Empty(t, measurement)
		assert.Nil(t, values)
	})

	t.Run("ignores truncated payloads", func(t *testing.T) {
		frame, err := EncodeFrame("force", 1.0)
		require.NoError(t, err)

		for cut := 1; cut < len(frame); cut++ {
			measurement, values := DecodeFrame(frame[:cut])
			assert.Empty(t, measurement, "cut=%d", cut)
			assert.Nil(t, values, "cut=%d", cut)
		}
	})

	t.Run("rejects unknown measurement on encode", func(t *testing.T) {
		_, err := EncodeFrame("humidity", 1.0)
		assert.Error(t, err)
	})
}

func TestCommands(t *testing.T) {
	forceTag, ok := MeasurementTag("force")
	require.True(t, ok)
	tempTag, ok := MeasurementTag("temperature")
	require.True(t, ok)

	start := EncodeStartCommand([]byte{forceTag, tempTag})
	assert.Equal(t, []byte{0x01, 0x02, forceTag, tempTag}, start)

	assert.Equal(t, []byte{0x00}, EncodeStopCommand())
}

func TestSensorTableRoundTrip(t *testing.T) {
	sensors := []SensorInfo{
		{
			Name: "Force Sensor",
			Measurements: []MeasurementInfo{
				{Name: "force", Unit: "N"},
				{Name: "acceleration", Unit: "m/s²"},
			},
		},
		{
			Name: "Thermometer",
			Measurements: []MeasurementInfo{
				{Name: "temperature", Unit: "°C"},
			},
		},
	}

	decoded, err := DecodeSensorTable(EncodeSensorTable(sensors))
	require.NoError(t, err)
	assert.Equal(t, sensors, decoded)
}

func TestDecodeSensorTableTruncated(t *testing.T) {
	data := EncodeSensorTable([]SensorInfo{
		{Name: "Force Sensor", Measurements: []MeasurementInfo{{Name: "force", Unit: "N"}}},
	})
	_, err := DecodeSensorTable(data[:len(data)-1])
	assert.Error(t, err)
}

func TestValidCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"178-396", true},
		{"000-000", true},
		{"bad-code", false},
		{"1783-96", false},
		{"178396", false},
		{"178-3966", false},
		{"", false},
		{" 178-396", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidCode(tt.code))
		})
	}
}

func TestCodeFromName(t *testing.T) {
	tests := []struct {
		name string
		code string
		ok   bool
	}{
		{"Wireless Force Sensor 178-396", "178-396", true},
		{"Smart Cart 344-124", "344-124", true},
		// Firmware appends a revision suffix after the code on some units.
		{"Wireless Temp 178-396X", "178-396", true},
		{"Kitchen Speaker", "", false},
		{"178-396", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := CodeFromName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}
