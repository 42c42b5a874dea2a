// Package camera keeps a rolling window of encoded video and cuts clips
// around triggers without interrupting the live encode.
package camera

import "time"

// Frame is one encoded H.264 access unit in Annex-B byte-stream form.
//
// IMMUTABILITY CONTRACT: Data is never modified after the encoder emits it.
// The ring, extraction and clip assembly all share the same backing array.
type Frame struct {
	Seq       uint64
	Timestamp time.Time // wall clock at encoder output
	Keyframe  bool      // independently decodable (IDR with SPS/PPS)
	Data      []byte
}

// keyframeSendWait bounds how long the encoder callback blocks to hand a
// keyframe to a full frame channel
const keyframeSendWait = 500 * time.Millisecond

// deliverFrame hands f to the ingest channel. Delta frames are dropped when
// the channel is full; a keyframe opens every GOP that follows it, so the
// sender waits up to wait for room before giving it up.
func deliverFrame(frames chan<- Frame, f Frame, wait time.Duration) bool {
	select {
	case frames <- f:
		return true
	default:
	}
	if !f.Keyframe || wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case frames <- f:
		return true
	case <-timer.C:
		return false
	}
}
