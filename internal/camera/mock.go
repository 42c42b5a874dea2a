package camera

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Annex-B NAL prefixes emitted by the mock encoder
var (
	nalSPS   = []byte{0x00, 0x00, 0x00, 0x01, 0x67}
	nalPPS   = []byte{0x00, 0x00, 0x00, 0x01, 0x68}
	nalIDR   = []byte{0x00, 0x00, 0x00, 0x01, 0x65}
	nalSlice = []byte{0x00, 0x00, 0x00, 0x01, 0x41}
)

// MockEncoder generates a synthetic H.264-shaped stream for testing and
// bench runs without a camera. Every KeyframeInterval-th frame is an IDR
// prefixed by SPS/PPS; the rest are non-IDR slices. Payloads carry the
// frame sequence number so clips can be checked frame by frame.
type MockEncoder struct {
	cfg EncoderConfig

	framesCh chan Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	isRunning bool
	closed    bool
	startTime time.Time

	// FailAfter makes the encoder fail like a lost camera after that many
	// frames (0 = never). Set before Start.
	FailAfter uint64

	seq          uint64
	keyframes    uint64
	bytesEncoded uint64
	dropped      uint64
	err          atomic.Value // error
}

// NewMockEncoder creates a mock encoder
func NewMockEncoder(cfg EncoderConfig) *MockEncoder {
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS
	}
	return &MockEncoder{
		cfg:      cfg,
		framesCh: make(chan Frame, cfg.FPS),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames at the configured FPS
func (m *MockEncoder) Start(ctx context.Context) (<-chan Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning || m.closed {
		return nil, fmt.Errorf("camera: mock encoder already started")
	}
	if m.cfg.FPS <= 0 {
		return nil, fmt.Errorf("camera: fps must be > 0")
	}
	m.isRunning = true
	m.startTime = time.Now()

	slog.Info("camera: mock encoder starting",
		"resolution", fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		"fps", m.cfg.FPS,
		"keyframe_interval", m.cfg.KeyframeInterval,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return m.framesCh, nil
}

// Stop stops generation and closes the frame channel. Idempotent.
func (m *MockEncoder) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.closeFrames()

	slog.Info("camera: mock encoder stopped",
		"frames_emitted", atomic.LoadUint64(&m.seq),
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Err returns the simulated device failure, if any
func (m *MockEncoder) Err() error {
	if err, ok := m.err.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns encoder statistics
func (m *MockEncoder) Stats() EncoderStats {
	m.mu.Lock()
	running := m.isRunning && !m.closed
	start := m.startTime
	m.mu.Unlock()

	frames := atomic.LoadUint64(&m.seq)
	var fpsReal float64
	if running && frames > 0 {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}

	var errs uint64
	if m.Err() != nil {
		errs = 1
	}

	return EncoderStats{
		Source:        SourceMock,
		Resolution:    fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		FPSTarget:     m.cfg.FPS,
		FPSReal:       fpsReal,
		FrameCount:    frames,
		Keyframes:     atomic.LoadUint64(&m.keyframes),
		BytesEncoded:  atomic.LoadUint64(&m.bytesEncoded),
		FramesDropped: atomic.LoadUint64(&m.dropped),
		Errors:        errs,
		IsRunning:     running,
	}
}

func (m *MockEncoder) closeFrames() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.framesCh)
	}
}

// generateFrames emits frames at the target FPS
func (m *MockEncoder) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	frameDuration := time.Second / time.Duration(m.cfg.FPS)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeFrames()
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.FailAfter > 0 && atomic.LoadUint64(&m.seq) >= m.FailAfter {
				m.err.Store(errors.New("mock camera disconnected"))
				slog.Error("camera: mock encoder simulated device failure",
					"frames_emitted", atomic.LoadUint64(&m.seq),
				)
				m.closeFrames()
				return
			}

			frame := m.createFrame()
			select {
			case m.framesCh <- frame:
			default:
				atomic.AddUint64(&m.dropped, 1)
			}
		}
	}
}

// createFrame builds the next synthetic access unit
func (m *MockEncoder) createFrame() Frame {
	seq := atomic.AddUint64(&m.seq, 1)
	keyframe := (seq-1)%uint64(m.cfg.KeyframeInterval) == 0

	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], seq)

	var data []byte
	if keyframe {
		data = make([]byte, 0, 3*len(nalSPS)+4*len(payload))
		data = append(data, nalSPS...)
		data = append(data, payload[:]...)
		data = append(data, nalPPS...)
		data = append(data, payload[:]...)
		data = append(data, nalIDR...)
		data = append(data, payload[:]...)
		data = append(data, payload[:]...)
		atomic.AddUint64(&m.keyframes, 1)
	} else {
		data = make([]byte, 0, len(nalSlice)+len(payload))
		data = append(data, nalSlice...)
		data = append(data, payload[:]...)
	}
	atomic.AddUint64(&m.bytesEncoded, uint64(len(data)))

	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Keyframe:  keyframe,
		Data:      data,
	}
}

// FrameSeq extracts the sequence number a mock frame carries
func FrameSeq(data []byte) (uint64, bool) {
	if len(data) < len(nalSlice)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[len(nalSlice) : len(nalSlice)+8]), true
}
