package types

import (
	"fmt"
	"time"
)

// OpKind tags a WriteOperation
type OpKind int

const (
	// OpAppendSample appends Data to the telemetry log
	OpAppendSample OpKind = iota
	// OpWriteClip creates or overwrites Target with Data
	OpWriteClip
)

// String returns a human-readable name for the operation kind
func (k OpKind) String() string {
	switch k {
	case OpAppendSample:
		return "append"
	case OpWriteClip:
		return "write_clip"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// WriteOperation is one unit of work for the write-back queue.
// The payload is carried by value; the queue owns it after Enqueue.
type WriteOperation struct {
	Kind OpKind
	// Target is the storage name (log file or clip file)
	Target string
	Data   []byte
	// Meta is set for OpWriteClip only
	Meta *ClipMeta
	// Seq is assigned by the queue on enqueue (arrival order)
	Seq        uint64
	EnqueuedAt time.Time
}

// NewAppendOperation builds an append of a sample's raw line to the log
func NewAppendOperation(logName string, sample TelemetrySample) WriteOperation {
	return WriteOperation{
		Kind:   OpAppendSample,
		Target: logName,
		Data:   sample.Raw,
	}
}

// NewClipOperation builds a clip write
func NewClipOperation(clip VideoClip) WriteOperation {
	meta := clip.Meta
	return WriteOperation{
		Kind:   OpWriteClip,
		Target: clip.Name,
		Data:   clip.Data,
		Meta:   &meta,
	}
}
