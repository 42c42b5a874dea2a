package telemetry

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.bug.st/serial"
)

// maxLineLength bounds a line buffered without a newline
const maxLineLength = 4096

// SerialSource reads lines from an accelerometer on a serial port.
//
// The port is opened with a read timeout, so ReadLine never blocks longer
// than that timeout. A read that returns no bytes means the timeout elapsed.
type SerialSource struct {
	port    io.ReadCloser
	name    string
	pending []byte
	buf     []byte
}

// OpenSerial opens port at baud (8N1) with a bounded read wait
func OpenSerial(port string, baud int, readTimeout time.Duration) (*SerialSource, error) {
	if readTimeout <= 0 {
		return nil, fmt.Errorf("telemetry: read timeout must be > 0")
	}

	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to open %s: %w", port, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("telemetry: failed to set read timeout on %s: %w", port, err)
	}

	slog.Info("telemetry: serial port opened",
		"port", port,
		"baud_rate", baud,
		"read_timeout", readTimeout,
	)

	return newSerialSource(p, port), nil
}

func newSerialSource(port io.ReadCloser, name string) *SerialSource {
	return &SerialSource{
		port: port,
		name: name,
		buf:  make([]byte, 256),
	}
}

// Name returns the port path
func (s *SerialSource) Name() string {
	return s.name
}

// ReadLine returns the next newline-terminated line.
// Bytes of an incomplete line are kept across timeouts.
func (s *SerialSource) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := make([]byte, i+1)
			copy(line, s.pending[:i+1])
			s.pending = s.pending[i+1:]
			return line, nil
		}

		if len(s.pending) > maxLineLength {
			line := s.pending
			s.pending = nil
			slog.Warn("telemetry: line exceeds maximum length, flushing",
				"port", s.name,
				"length", len(line),
			)
			return line, nil
		}

		n, err := s.port.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
		// n == 0 && err == nil: the read timeout elapsed
		return nil, ErrReadTimeout
	}
}

// Close closes the port
func (s *SerialSource) Close() error {
	return s.port.Close()
}
