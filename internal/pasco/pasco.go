// Package pasco implements the vendor GATT layout and wire codec for
// PASCO-style wireless sensors: measurement notification frames, the
// sensor descriptor table, and the start/stop stream commands.
package pasco

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Vendor GATT layout. All sensors expose a single primary service with a
// notify characteristic for measurement frames, a write characteristic for
// commands, and a readable sensor descriptor table.
const (
	ServiceUUID     = "4a5c0000-fb1e-4c03-94d2-90a5f9e342d1"
	MeasurementUUID = "4a5c0001-fb1e-4c03-94d2-90a5f9e342d1"
	CommandUUID     = "4a5c0002-fb1e-4c03-94d2-90a5f9e342d1"
	SensorTableUUID = "4a5c0003-fb1e-4c03-94d2-90a5f9e342d1"
)

// Command opcodes written to CommandUUID.
const (
	opStopStream  byte = 0x00
	opStartStream byte = 0x01
)

// Sample is one decoded measurement value. At is host-relative, measured
// from the session's stream start.
type Sample struct {
	Measurement string
	At          time.Duration
	Value       float64
}

// measurementNames maps vendor frame tags to measurement names.
// Unknown tags are ignored on decode for forward compatibility with
// newer firmware.
var measurementNames = map[byte]string{
	0x01: "force",
	0x02: "acceleration",
	0x03: "temperature",
	0x04: "pressure",
	0x05: "position",
	0x06: "velocity",
	0x07: "illuminance",
	0x08: "voltage",
	0x09: "current",
}

var measurementTags = func() map[string]byte {
	m := make(map[string]byte, len(measurementNames))
	for tag, name := range measurementNames {
		m[name] = tag
	}
	return m
}()

// MeasurementName returns the measurement name for a frame tag.
func MeasurementName(tag byte) (string, bool) {
	name, ok := measurementNames[tag]
	return name, ok
}

// MeasurementTag returns the frame tag for a measurement name.
func MeasurementTag(name string) (byte, bool) {
	tag, ok := measurementTags[strings.ToLower(name)]
	return tag, ok
}

// DecodeFrame decodes a measurement notification frame: one tag byte
// followed by one or more little-endian float32 values. Frames with an
// unknown tag or a malformed payload decode to nil; the stream continues.
func DecodeFrame(data []byte) (measurement string, values []float64) {
	if len(data) < 5 {
		return "", nil
	}
	name, ok := measurementNames[data[0]]
	if !ok {
		return "", nil
	}
	payload := data[1:]
	if len(payload)%4 != 0 {
		return "", nil
	}
	values = make([]float64, 0, len(payload)/4)
	for i := 0; i+4 <= len(payload); i += 4 {
		bits := binary.LittleEndian.Uint32(payload[i : i+4])
		values = append(values, float64(math.Float32frombits(bits)))
	}
	return name, values
}

// EncodeFrame builds a measurement frame. Used by tests and the fake
// transport; real devices produce these over the notify characteristic.
func EncodeFrame(measurement string, values ...float64) ([]byte, error) {
	tag, ok := measurementTags[measurement]
	if !ok {
		return nil, fmt.Errorf("unknown measurement %q", measurement)
	}
	buf := make([]byte, 1, 1+4*len(values))
	buf[0] = tag
	for _, v := range values {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

// EncodeStartCommand builds the start-stream command for a set of frame tags.
func EncodeStartCommand(tags []byte) []byte {
	cmd := make([]byte, 0, 2+len(tags))
	cmd = append(cmd, opStartStream, byte(len(tags)))
	return append(cmd, tags...)
}

// EncodeStopCommand builds the stop-stream command.
func EncodeStopCommand() []byte {
	return []byte{opStopStream}
}

// SensorInfo describes one on-board sensor and its measurements, as read
// from the sensor descriptor table characteristic.
type SensorInfo struct {
	Name         string
	Measurements []MeasurementInfo
}

// MeasurementInfo is one measurement a sensor produces.
type MeasurementInfo struct {
	Name string
	Unit string
}

// DecodeSensorTable decodes the sensor descriptor table: repeated records
// of {sensor-name, count, count x {tag, unit-string}}. Strings are
// length-prefixed with a single byte.
func DecodeSensorTable(data []byte) ([]SensorInfo, error) {
	var sensors []SensorInfo
	i := 0
	readString := func() (string, error) {
		if i >= len(data) {
			return "", fmt.Errorf("sensor table truncated at offset %d", i)
		}
		n := int(data[i])
		i++
		if i+n > len(data) {
			return "", fmt.Errorf("sensor table truncated at offset %d", i)
		}
		s := string(data[i : i+n])
		i += n
		return s, nil
	}
	for i < len(data) {
		name, err := readString()
		if err != nil {
			return nil, err
		}
		if i >= len(data) {
			return nil, fmt.Errorf("sensor table truncated at offset %d", i)
		}
		count := int(data[i])
		i++
		sensor := SensorInfo{Name: name}
		for j := 0; j < count; j++ {
			if i >= len(data) {
				return nil, fmt.Errorf("sensor table truncated at offset %d", i)
			}
			tag := data[i]
			i++
			unit, err := readString()
			if err != nil {
				return nil, err
			}
			measName, known := measurementNames[tag]
			if !known {
				// Newer firmware may report measurements this build
				// does not understand.
				continue
			}
			sensor.Measurements = append(sensor.Measurements, MeasurementInfo{
				Name: measName,
				Unit: unit,
			})
		}
		sensors = append(sensors, sensor)
	}
	return sensors, nil
}

// EncodeSensorTable is the inverse of DecodeSensorTable, for tests and
// simulated peripherals.
func EncodeSensorTable(sensors []SensorInfo) []byte {
	var buf []byte
	writeString := func(s string) {
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	for _, sensor := range sensors {
		writeString(sensor.Name)
		buf = append(buf, byte(len(sensor.Measurements)))
		for _, m := range sensor.Measurements {
			tag := measurementTags[m.Name]
			buf = append(buf, tag)
			writeString(m.Unit)
		}
	}
	return buf
}

var codePattern = regexp.MustCompile(`^\d{3}-\d{3}$`)

// ValidCode reports whether s is a well-formed device code (two groups of
// three digits separated by a hyphen, as printed on the unit).
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// CodeFromName extracts the device code from an advertisement local name.
// The firmware advertises names like "Wireless Force Sensor 178-396"; the
// code is the last space-separated token, truncated to seven characters.
func CodeFromName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	idx := strings.LastIndex(name, " ")
	if idx < 0 || idx == len(name)-1 {
		return "", false
	}
	tail := name[idx+1:]
	if len(tail) > 7 {
		tail = tail[:7]
	}
	if !ValidCode(tail) {
		return "", false
	}
	return tail, true
}
