// Package telemetry reads accelerometer lines from a sensor stream, logs
// every sample through the writer and raises triggers on rapid acceleration.
package telemetry

import "errors"

// ErrReadTimeout is returned by Source.ReadLine when no complete line arrived
// within the source's read timeout. It is not a failure: the reader uses it
// to check for stop.
var ErrReadTimeout = errors.New("telemetry: read timeout")

// Source is a line-oriented sensor stream.
//
// ReadLine returns one line including its trailing newline. It returns
// ErrReadTimeout when the bounded wait elapsed, io.EOF when the stream ended
// cleanly, and any other error for a device failure.
type Source interface {
	ReadLine() ([]byte, error)
	Close() error
	// Name identifies the device in logs (port path or file name)
	Name() string
}
