package telemetry

import (
	"fmt"
	"math"
	"strings"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// Threshold modes
const (
	// ModeMagnitude triggers on |x| or |y| above the threshold
	ModeMagnitude = "magnitude"
	// ModeSigned triggers on x or y above the threshold (negative spikes ignored)
	ModeSigned = "signed"
)

// Policy decides which samples trigger a clip and how clips are named
type Policy struct {
	ThresholdX float64
	ThresholdY float64
	Mode       string
	Extension  string // e.g. ".h264"
}

// DefaultPolicy returns a 0.3 magnitude threshold on x and y
func DefaultPolicy() Policy {
	return Policy{
		ThresholdX: 0.3,
		ThresholdY: 0.3,
		Mode:       ModeMagnitude,
		Extension:  ".h264",
	}
}

func (p Policy) validate() error {
	if p.ThresholdX <= 0 || p.ThresholdY <= 0 {
		return fmt.Errorf("thresholds must be > 0")
	}
	if p.Mode != ModeMagnitude && p.Mode != ModeSigned {
		return fmt.Errorf("unknown threshold mode %q", p.Mode)
	}
	if !strings.HasPrefix(p.Extension, ".") {
		return fmt.Errorf("extension must start with '.', got %q", p.Extension)
	}
	return nil
}

// Exceeds reports whether s crosses the x or y threshold. z is never checked.
func (p Policy) Exceeds(s types.TelemetrySample) bool {
	x, y := s.X, s.Y
	if p.Mode == ModeMagnitude {
		x, y = math.Abs(x), math.Abs(y)
	}
	return x > p.ThresholdX || y > p.ThresholdY
}

// ClipName derives the clip file name from a sample timestamp.
// The timestamp is used verbatim except for path separators and NUL.
func (p Policy) ClipName(timestamp string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, timestamp)
	return name + p.Extension
}
