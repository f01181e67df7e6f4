package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/registry"
	"github.com/pasgo/pascli/internal/session"
	"github.com/pasgo/pascli/internal/transport"
)

func TestSplitTrailingCode(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantRest []string
		wantCode string
	}{
		{"no args", nil, nil, ""},
		{"code only", []string{"178-396"}, []string{}, "178-396"},
		{"args then code", []string{"force", "1s", "178-396"}, []string{"force", "1s"}, "178-396"},
		{"no code", []string{"force", "1s"}, []string{"force", "1s"}, ""},
		{"code-like word rejected", []string{"17-396"}, []string{"17-396"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest, code := splitTrailingCode(tt.args)
			assert.Equal(t, tt.wantCode, code)
			assert.Len(t, rest, len(tt.wantRest))
			for i := range tt.wantRest {
				assert.Equal(t, tt.wantRest[i], rest[i])
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1s", time.Second, false},
		{"500ms", 500 * time.Millisecond, false},
		{"0.5", 500 * time.Millisecond, false},
		{"2", 2 * time.Second, false},
		{"0", 0, true},
		{"-1s", 0, true},
		{"fast", 0, true},
		{"-0.5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"invalid code",
			&registry.InvalidCodeError{Code: "oops"},
			(&registry.InvalidCodeError{Code: "oops"}).Error(),
		},
		{
			"unknown device",
			&registry.UnknownDeviceError{Code: "178-396"},
			(&registry.UnknownDeviceError{Code: "178-396"}).Error() + " (run scan first)",
		},
		{
			"connect failure",
			&transport.ConnectError{Address: "AA:BB", Err: errors.New("refused")},
			"connection failed: refused",
		},
		{
			"nothing connected",
			&session.SessionError{Kind: session.NotConnected, Msg: "no device connected"},
			"no connected device",
		},
		{
			"named device not connected",
			&session.SessionError{Kind: session.NotConnected, Msg: "178-396"},
			"no connected device: 178-396",
		},
		{
			"duplicate connect",
			&session.SessionError{Kind: session.AlreadyConnected, Msg: "178-396"},
			"already connected: 178-396",
		},
		{
			"passthrough",
			errors.New("boom"),
			"boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestDisplaySink(t *testing.T) {
	restore := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = restore }()

	var buf bytes.Buffer
	sink := newDisplaySink(&buf, "178-396", "N")

	require.NoError(t, sink.WriteSamples([]pasco.Sample{
		{Measurement: "force", At: 1500 * time.Millisecond, Value: 2.5},
	}))
	require.NoError(t, sink.Close())

	assert.Equal(t, "[178-396]     1.500s  2.5 N\n", buf.String())
}
