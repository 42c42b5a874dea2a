package camera

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fillRing appends n frames one tick apart with a keyframe every gop frames
func fillRing(r *Ring, n, gop int, tick time.Duration) {
	for i := 0; i < n; i++ {
		r.Append(Frame{
			Seq:       uint64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * tick),
			Keyframe:  i%gop == 0,
			Data:      []byte{byte(i)},
		})
	}
}

func TestRingEvictsWholeGOPs(t *testing.T) {
	r := NewRing(time.Second)
	// 10 fps, keyframe every 5 frames, 3 seconds
	fillRing(r, 30, 5, 100*time.Millisecond)

	stats := r.Stats()
	newest := t0.Add(2900 * time.Millisecond)
	assert.Equal(t, newest, stats.Newest)

	// Cutoff is 1.9s; the GOP containing it opens at 1.5s
	assert.Equal(t, t0.Add(1500*time.Millisecond), stats.Oldest)
	assert.GreaterOrEqual(t, stats.Span, time.Second)
	assert.Equal(t, 15, stats.Frames)
	assert.Equal(t, 15, stats.Bytes)
	assert.Equal(t, uint64(30), stats.Appended)
	assert.Equal(t, uint64(15), stats.Evicted)

	first, ok := r.KeyframeAtOrBefore(stats.Oldest)
	require.True(t, ok)
	assert.Equal(t, stats.Oldest, first.Timestamp)
}

func TestRingDropsLeadingDeltaFrames(t *testing.T) {
	r := NewRing(200 * time.Millisecond)
	for i := 0; i < 5; i++ {
		r.Append(Frame{Seq: uint64(i + 1), Timestamp: t0.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	// No keyframe at all: only frames newer than the cutoff survive
	assert.Equal(t, 2, r.Stats().Frames)
}

func TestRingWindowStartsAtKeyframeAtOrBeforeStart(t *testing.T) {
	r := NewRing(10 * time.Second)
	fillRing(r, 50, 10, 100*time.Millisecond) // keyframes at 0, 1s, 2s, 3s, 4s

	start := t0.Add(2500 * time.Millisecond)
	end := t0.Add(3700 * time.Millisecond)
	win, err := r.Window(start, end)
	require.NoError(t, err)

	assert.True(t, win.ExactStart)
	assert.True(t, win.Frames[0].Keyframe)
	assert.Equal(t, t0.Add(2*time.Second), win.Start())
	assert.False(t, win.Start().After(start))
	assert.Equal(t, end, win.End())
	assert.Len(t, win.Frames, 18)
	assert.Equal(t, 2, win.Keyframes())

	// Frames are contiguous
	for i := 1; i < len(win.Frames); i++ {
		assert.Equal(t, win.Frames[i-1].Seq+1, win.Frames[i].Seq)
	}

	data := win.Bytes()
	assert.Len(t, data, 18)
	assert.Equal(t, byte(20), data[0])
}

func TestRingWindowStartOnKeyframeBoundary(t *testing.T) {
	r := NewRing(10 * time.Second)
	fillRing(r, 50, 10, 100*time.Millisecond)

	win, err := r.Window(t0.Add(3*time.Second), t0.Add(3200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Second), win.Start())
	assert.Len(t, win.Frames, 3)
}

func TestRingWindowPartialWhenBufferTooShort(t *testing.T) {
	r := NewRing(time.Second)
	fillRing(r, 30, 5, 100*time.Millisecond) // oldest retained keyframe at 1.5s

	win, err := r.Window(t0, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, win.ExactStart)
	assert.Equal(t, t0.Add(1500*time.Millisecond), win.Start())
	assert.True(t, win.Frames[0].Keyframe)
}

// appendOffsetGOP appends frames [from, to) 50ms apart with a keyframe at
// every x.05s, so a keyframe lands just after each whole second
func appendOffsetGOP(r *Ring, from, to int) {
	for i := from; i < to; i++ {
		r.Append(Frame{
			Seq:       uint64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * 50 * time.Millisecond),
			Keyframe:  i%20 == 1,
			Data:      []byte{byte(i)},
		})
	}
}

func TestRingPinKeepsOpeningKeyframePastRetention(t *testing.T) {
	const pre, post = 2 * time.Second, time.Second
	trigger := t0.Add(5 * time.Second)
	start, end := trigger.Add(-pre), trigger.Add(post)

	// Without a pin, one frame past T+post evicts the keyframe at 2.05s
	unpinned := NewRing(pre + post)
	appendOffsetGOP(unpinned, 0, 122)
	win, err := unpinned.Window(start, end)
	require.NoError(t, err)
	assert.False(t, win.ExactStart)

	pinned := NewRing(pre + post)
	appendOffsetGOP(pinned, 0, 101)
	pinned.Pin(start)
	appendOffsetGOP(pinned, 101, 122)

	win, err = pinned.Window(start, end)
	require.NoError(t, err)
	assert.True(t, win.ExactStart)
	assert.Equal(t, t0.Add(2050*time.Millisecond), win.Start())
	assert.Equal(t, end, win.End())

	// Released: the next frame evicts back to retention
	pinned.Unpin()
	appendOffsetGOP(pinned, 122, 123)
	assert.Equal(t, t0.Add(3050*time.Millisecond), pinned.Stats().Oldest)
}

func TestRingWindowErrors(t *testing.T) {
	r := NewRing(time.Second)
	_, err := r.Window(t0, t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrEmptyRing)

	r.Append(Frame{Seq: 1, Timestamp: t0, Data: []byte{1}})
	_, err = r.Window(t0, t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrNoKeyframe)

	_, ok := r.KeyframeAtOrBefore(t0)
	assert.False(t, ok)
}

func TestRingConcurrentAppendAndWindow(t *testing.T) {
	r := NewRing(500 * time.Millisecond)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		fillRing(r, 2000, 10, time.Millisecond)
	}()

	for i := 0; i < 200; i++ {
		win, err := r.Window(t0.Add(time.Duration(i)*5*time.Millisecond), t0.Add(time.Duration(i+50)*5*time.Millisecond))
		if err != nil {
			continue
		}
		require.NotEmpty(t, win.Frames)
		assert.True(t, win.Frames[0].Keyframe)
		for j := 1; j < len(win.Frames); j++ {
			require.Equal(t, win.Frames[j-1].Seq+1, win.Frames[j].Seq)
		}
	}
	wg.Wait()
}
