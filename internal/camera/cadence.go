package camera

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS stddev as a fraction of mean FPS.
	// 30 FPS mean: stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the
	// mean inter-frame interval. 30 FPS (33ms): stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20
)

// Cadence describes how regularly frames arrived over a span of video.
// An irregular cadence usually means the encoder is starved or the camera
// is dropping frames, so clips cut from that span will stutter.
type Cadence struct {
	Frames     int
	Span       time.Duration
	FPSMean    float64
	FPSStdDev  float64
	FPSMin     float64
	FPSMax     float64
	JitterMean time.Duration
	JitterMax  time.Duration
	IsStable   bool
}

// MeasureCadence computes cadence statistics from frame timestamps.
//
// Algorithm:
//  1. Mean FPS is intervals over span (first to last timestamp)
//  2. Instantaneous FPS per positive interval gives min, max and stddev
//  3. Jitter is each interval's distance from the mean interval
//  4. Stable when stddev < 15% of mean FPS and mean jitter < 20% of the mean interval
//
// Fewer than two frames, or a zero span, yields an unstable zero Cadence.
func MeasureCadence(timestamps []time.Time) Cadence {
	c := Cadence{Frames: len(timestamps)}
	if len(timestamps) < 2 {
		return c
	}

	c.Span = timestamps[len(timestamps)-1].Sub(timestamps[0])
	if c.Span <= 0 {
		return c
	}

	intervals := len(timestamps) - 1
	c.FPSMean = float64(intervals) / c.Span.Seconds()
	meanInterval := c.Span.Seconds() / float64(intervals)

	var sumSquares, sumJitter, maxJitter float64
	samples := 0
	for i := 1; i < len(timestamps); i++ {
		dt := timestamps[i].Sub(timestamps[i-1]).Seconds()

		jitter := math.Abs(dt - meanInterval)
		sumJitter += jitter
		maxJitter = math.Max(maxJitter, jitter)

		if dt <= 0 {
			continue
		}
		fps := 1.0 / dt
		if samples == 0 || fps < c.FPSMin {
			c.FPSMin = fps
		}
		if fps > c.FPSMax {
			c.FPSMax = fps
		}
		diff := fps - c.FPSMean
		sumSquares += diff * diff
		samples++
	}

	if samples > 0 {
		c.FPSStdDev = math.Sqrt(sumSquares / float64(samples))
	}
	jitterMean := sumJitter / float64(intervals)
	c.JitterMean = time.Duration(jitterMean * float64(time.Second))
	c.JitterMax = time.Duration(maxJitter * float64(time.Second))

	c.IsStable = c.FPSStdDev < c.FPSMean*fpsStabilityThreshold &&
		jitterMean < meanInterval*jitterStabilityThreshold
	return c
}

// Cadence measures the frame cadence of the window
func (w Window) Cadence() Cadence {
	ts := make([]time.Time, len(w.Frames))
	for i, f := range w.Frames {
		ts[i] = f.Timestamp
	}
	return MeasureCadence(ts)
}
