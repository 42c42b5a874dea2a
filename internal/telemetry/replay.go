package telemetry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/afero"
)

// ReplaySource plays back a recorded telemetry log as if it came from the
// sensor. Lines are paced by interval; io.EOF ends the stream.
type ReplaySource struct {
	r        *bufio.Reader
	closer   io.Closer
	name     string
	interval time.Duration
	last     time.Time
}

// OpenReplay opens a recorded telemetry file on fs
func OpenReplay(fs afero.Fs, path string, interval time.Duration) (*ReplaySource, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to open replay file: %w", err)
	}

	slog.Info("telemetry: replaying recorded telemetry",
		"file", path,
		"interval", interval,
	)

	return NewReplaySource(f, path, interval), nil
}

// NewReplaySource reads lines from r. If r is an io.Closer it is closed by Close.
func NewReplaySource(r io.Reader, name string, interval time.Duration) *ReplaySource {
	s := &ReplaySource{
		r:        bufio.NewReader(r),
		name:     name,
		interval: interval,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Name returns the replayed file name
func (s *ReplaySource) Name() string {
	return s.name
}

// ReadLine returns the next line, waiting out the pacing interval first
func (s *ReplaySource) ReadLine() ([]byte, error) {
	if s.interval > 0 && !s.last.IsZero() {
		if wait := s.interval - time.Since(s.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	s.last = time.Now()

	line, err := s.r.ReadBytes('\n')
	if errors.Is(err, io.EOF) && len(line) > 0 {
		// Last line without a newline; EOF is reported on the next call
		return line, nil
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Close releases the underlying reader
func (s *ReplaySource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
