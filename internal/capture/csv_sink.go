package capture

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pasgo/pascli/internal/pasco"
)

// fileTimestampLayout names one output artifact deterministically from the
// capture start time.
const fileTimestampLayout = "pascli_data_2006_01_02_15_04_05.csv"

// CSVSink appends samples to a timestamped CSV file, one row per sample
// {measurement, time_s, value}, in arrival order. The file stays open and
// append-only for the life of the capture and is closed on stop.
type CSVSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	closed bool
	rows   int
}

// NewCSVSink creates the output file for a capture starting at start.
func NewCSVSink(dir string, start time.Time) (*CSVSink, error) {
	path := filepath.Join(dir, start.Format(fileTimestampLayout))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"measurement", "time_s", "value"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &CSVSink{path: path, file: f, writer: w}, nil
}

// Path returns the output file path.
func (s *CSVSink) Path() string { return s.path }

// Rows returns the number of sample rows written so far.
func (s *CSVSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// WriteSamples appends one row per sample and flushes to disk, so a crash
// never leaves a partially buffered batch behind.
func (s *CSVSink) WriteSamples(samples []pasco.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink %s is closed", s.path)
	}

	for _, sample := range samples {
		row := []string{
			sample.Measurement,
			strconv.FormatFloat(sample.At.Seconds(), 'f', 6, 64),
			strconv.FormatFloat(sample.Value, 'g', -1, 64),
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("failed to append to %s: %w", s.path, err)
		}
		s.rows++
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	return nil
}

// Close flushes and closes the file. Idempotent.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.writer.Flush()
	flushErr := s.writer.Error()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
