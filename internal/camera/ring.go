package camera

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyRing is returned when a window is requested before any frame arrived
	ErrEmptyRing = errors.New("camera: ring is empty")
	// ErrNoKeyframe is returned when no keyframe exists to start a window at
	ErrNoKeyframe = errors.New("camera: no keyframe in window")
)

// Ring is a time-bounded circular buffer of encoded frames.
//
// It holds at least `retention` of video: eviction drops whole GOPs from the
// front, keeping the keyframe that opens the oldest retained span. A pinned
// instant holds back eviction until Unpin, whatever the newest frame is. The lock
// is held only to append and to locate+collect a window; copying frame data
// into a clip happens outside it.
type Ring struct {
	mu        sync.Mutex
	frames    []Frame
	bytes     int
	retention time.Duration
	pin       time.Time // zero when nothing is pinned

	appended uint64
	evicted  uint64
}

// RingStats is a snapshot of the ring
type RingStats struct {
	Frames   int
	Bytes    int
	Oldest   time.Time
	Newest   time.Time
	Span     time.Duration
	Appended uint64
	Evicted  uint64
}

// Window is a contiguous run of frames copied out of the ring
type Window struct {
	Frames []Frame
	// ExactStart is false when the ring did not reach back to the requested
	// start and the window opens at the oldest buffered keyframe instead
	ExactStart bool
}

// NewRing creates a ring retaining at least retention of video
func NewRing(retention time.Duration) *Ring {
	return &Ring{retention: retention}
}

// Retention returns the configured retention
func (r *Ring) Retention() time.Duration {
	return r.retention
}

// Append adds f and evicts what fell out of retention
func (r *Ring) Append(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, f)
	r.bytes += len(f.Data)
	r.appended++
	cutoff := f.Timestamp.Add(-r.retention)
	if !r.pin.IsZero() && r.pin.Before(cutoff) {
		cutoff = r.pin
	}
	r.evictLocked(cutoff)
}

// Pin keeps the keyframe at or before t (and everything after it) buffered
// until Unpin, even once t falls out of retention
func (r *Ring) Pin(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pin = t
}

// Unpin releases the pin; the next Append evicts back to retention
func (r *Ring) Unpin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pin = time.Time{}
}

// evictLocked drops frames older than cutoff, but never the keyframe that
// opens the GOP containing cutoff
func (r *Ring) evictLocked(cutoff time.Time) {
	keep := -1
	drop := 0
	for i, f := range r.frames {
		if f.Timestamp.After(cutoff) {
			break
		}
		if f.Keyframe {
			keep = i
		}
		drop = i + 1
	}

	// Frames before the first keyframe are undecodable, so with no keyframe
	// at or before cutoff everything older than cutoff may go
	n := drop
	if keep >= 0 {
		n = keep
	}
	if n == 0 {
		return
	}

	for i := 0; i < n; i++ {
		r.bytes -= len(r.frames[i].Data)
		r.frames[i] = Frame{} // release data
	}
	r.frames = r.frames[n:]
	r.evicted += uint64(n)
}

// KeyframeAtOrBefore returns the newest keyframe with Timestamp <= t
func (r *Ring) KeyframeAtOrBefore(t time.Time) (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.keyframeAtOrBeforeLocked(t)
	if i < 0 {
		return Frame{}, false
	}
	return r.frames[i], true
}

func (r *Ring) keyframeAtOrBeforeLocked(t time.Time) int {
	found := -1
	for i, f := range r.frames {
		if f.Timestamp.After(t) {
			break
		}
		if f.Keyframe {
			found = i
		}
	}
	return found
}

// Window collects the frames from the newest keyframe at or before start
// through the last frame at or before end, in one critical section.
//
// If no keyframe at or before start is buffered, the window opens at the
// first keyframe not after end and ExactStart is false.
func (r *Ring) Window(start, end time.Time) (Window, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames) == 0 {
		return Window{}, ErrEmptyRing
	}

	exact := true
	first := r.keyframeAtOrBeforeLocked(start)
	if first < 0 {
		exact = false
		for i, f := range r.frames {
			if f.Timestamp.After(end) {
				break
			}
			if f.Keyframe {
				first = i
				break
			}
		}
	}
	if first < 0 {
		return Window{}, ErrNoKeyframe
	}

	last := first
	for i := first; i < len(r.frames); i++ {
		if r.frames[i].Timestamp.After(end) {
			break
		}
		last = i
	}

	frames := make([]Frame, last-first+1)
	copy(frames, r.frames[first:last+1])

	return Window{Frames: frames, ExactStart: exact}, nil
}

// Stats returns a snapshot of the ring
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := RingStats{
		Frames:   len(r.frames),
		Bytes:    r.bytes,
		Appended: r.appended,
		Evicted:  r.evicted,
	}
	if len(r.frames) > 0 {
		s.Oldest = r.frames[0].Timestamp
		s.Newest = r.frames[len(r.frames)-1].Timestamp
		s.Span = s.Newest.Sub(s.Oldest)
	}
	return s
}

// Bytes concatenates the window into a standalone byte stream
func (w Window) Bytes() []byte {
	n := 0
	for _, f := range w.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range w.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// Keyframes counts keyframes in the window
func (w Window) Keyframes() int {
	n := 0
	for _, f := range w.Frames {
		if f.Keyframe {
			n++
		}
	}
	return n
}

// Start returns the timestamp of the first frame
func (w Window) Start() time.Time {
	if len(w.Frames) == 0 {
		return time.Time{}
	}
	return w.Frames[0].Timestamp
}

// End returns the timestamp of the last frame
func (w Window) End() time.Time {
	if len(w.Frames) == 0 {
		return time.Time{}
	}
	return w.Frames[len(w.Frames)-1].Timestamp
}
