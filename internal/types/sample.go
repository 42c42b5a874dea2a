package types

import "time"

// TelemetrySample is one parsed accelerometer line.
type TelemetrySample struct {
	// Timestamp is field 0 of the line, used verbatim for clip names
	Timestamp string
	// X, Y, Z are the acceleration components (fields 4-6)
	X float64
	Y float64
	Z float64
	// Raw is the original line, trailing newline included
	Raw []byte
	// ReceivedAt is when the reader got the line from the device
	ReceivedAt time.Time
}

// Trigger signals that a sample crossed the acceleration threshold
type Trigger struct {
	// ClipName is the storage name of the clip this trigger produces
	ClipName string
	// Timestamp is the sample timestamp the clip name was derived from
	Timestamp string
	// At is the wall-clock triggering moment; the clip window is centred on it
	At time.Time
	// Sample is the sample that crossed the threshold
	Sample TelemetrySample
	// TraceID follows the trigger through the recorder and the writer
	TraceID string
}
