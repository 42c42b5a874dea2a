package types

import "time"

// VideoClip is a standalone window of encoded video.
//
// Ownership moves to the writer on handoff: the producer MUST NOT touch
// Data after calling WriteClip.
type VideoClip struct {
	Name string
	Data []byte
	Meta ClipMeta
}

// ClipMeta describes how a clip was cut. It is persisted next to the clip
// as a msgpack sidecar.
type ClipMeta struct {
	Name      string    `msgpack:"name"`
	TraceID   string    `msgpack:"trace_id"`
	TriggerAt time.Time `msgpack:"trigger_at"`
	// WindowStart is the timestamp of the keyframe the clip starts at
	WindowStart time.Time `msgpack:"window_start"`
	// WindowEnd is the timestamp of the last frame in the clip
	WindowEnd time.Time `msgpack:"window_end"`
	FirstSeq  uint64    `msgpack:"first_seq"`
	LastSeq   uint64    `msgpack:"last_seq"`
	Frames    int       `msgpack:"frames"`
	Keyframes int       `msgpack:"keyframes"`
	Bytes     int       `msgpack:"bytes"`
	// FPS is the measured mean frame rate over the window
	FPS float64 `msgpack:"fps"`
	// CadenceStable is false when frames arrived irregularly (dropped or starved)
	CadenceStable bool `msgpack:"cadence_stable"`

	SampleTimestamp string  `msgpack:"sample_timestamp"`
	AccelX          float64 `msgpack:"accel_x"`
	AccelY          float64 `msgpack:"accel_y"`
	AccelZ          float64 `msgpack:"accel_z"`
}

// Duration returns the covered span of video
func (m ClipMeta) Duration() time.Duration {
	if m.WindowStart.IsZero() || m.WindowEnd.IsZero() {
		return 0
	}
	return m.WindowEnd.Sub(m.WindowStart)
}
