package camera

import (
	"context"
	"fmt"
)

// Encoder sources
const (
	SourceMock      = "mock"
	SourceVideoTest = "videotestsrc"
	SourceV4L2      = "v4l2src"
	SourceLibcamera = "libcamerasrc"
)

// Encoder produces a continuous H.264 stream.
//
// Start returns the frame channel. The encoder closes it on Stop, or on its
// own when the device fails; in that case Err reports the cause.
type Encoder interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
	Err() error
	Stats() EncoderStats
}

// EncoderConfig configures an encoder
type EncoderConfig struct {
	Source           string
	Device           string // v4l2src only
	Width            int
	Height           int
	FPS              int
	BitrateKbps      int
	KeyframeInterval int // frames between keyframes
}

// EncoderStats is a snapshot of encoder counters
type EncoderStats struct {
	Source        string
	Resolution    string
	FPSTarget     int
	FPSReal       float64
	FrameCount    uint64
	Keyframes     uint64
	BytesEncoded  uint64
	FramesDropped uint64
	Errors        uint64
	IsRunning     bool
}

// NewEncoder builds the encoder for cfg.Source
func NewEncoder(cfg EncoderConfig) (Encoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("camera: fps must be > 0")
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS
	}

	switch cfg.Source {
	case SourceMock:
		return NewMockEncoder(cfg), nil
	case SourceVideoTest, SourceV4L2, SourceLibcamera:
		return NewGstEncoder(cfg)
	default:
		return nil, fmt.Errorf("camera: unknown source %q", cfg.Source)
	}
}
