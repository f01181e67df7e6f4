package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/pasgo/pascli/internal/pasco"
)

// displaySink renders watch batches as value lines on the terminal. Plot
// rendering is left to external tooling; this sink is the live display.
type displaySink struct {
	mu    sync.Mutex
	out   io.Writer
	code  string
	unit  string
	value *color.Color
}

func newDisplaySink(out io.Writer, code, unit string) *displaySink {
	return &displaySink{
		out:   out,
		code:  code,
		unit:  unit,
		value: color.New(color.FgCyan),
	}
}

func (d *displaySink) WriteSamples(samples []pasco.Sample) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range samples {
		fmt.Fprintf(d.out, "[%s] %9.3fs  ", d.code, s.At.Seconds())
		d.value.Fprintf(d.out, "%g %s\n", s.Value, d.unit)
	}
	return nil
}

func (d *displaySink) Close() error {
	return nil
}
