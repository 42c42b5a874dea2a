package camera

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// x264enc tune flag for zero-latency encoding
const x264TuneZeroLatency = 0x00000004

// GstEncoder captures from a camera and encodes H.264 with GStreamer.
//
// Pipeline structure:
//
//	<source> → capsfilter(raw) → videoconvert → x264enc → h264parse →
//	capsfilter(byte-stream, au) → appsink
//
// h264parse re-inserts SPS/PPS before every IDR, so any keyframe can open a
// standalone clip.
type GstEncoder struct {
	cfg EncoderConfig

	mu       sync.RWMutex
	pipeline *gst.Pipeline
	appsink  *app.Sink
	frames   chan Frame
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time

	err atomic.Value // error

	frameCount    uint64
	keyframes     uint64
	bytesEncoded  uint64
	framesDropped uint64
	errors        uint64
}

// NewGstEncoder validates cfg; the pipeline is built on Start
func NewGstEncoder(cfg EncoderConfig) (*GstEncoder, error) {
	switch cfg.Source {
	case SourceVideoTest, SourceLibcamera:
	case SourceV4L2:
		if cfg.Device == "" {
			return nil, fmt.Errorf("camera: v4l2src requires a device")
		}
	default:
		return nil, fmt.Errorf("camera: source %q is not a GStreamer source", cfg.Source)
	}
	if cfg.BitrateKbps <= 0 {
		return nil, fmt.Errorf("camera: bitrate must be > 0")
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS
	}
	return &GstEncoder{cfg: cfg}, nil
}

// Start builds the pipeline, sets it PLAYING and returns the frame channel
func (e *GstEncoder) Start(ctx context.Context) (<-chan Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil || e.closed {
		return nil, fmt.Errorf("camera: encoder already started")
	}

	slog.Info("camera: starting encoder",
		"source", e.cfg.Source,
		"device", e.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
		"fps", e.cfg.FPS,
		"bitrate_kbps", e.cfg.BitrateKbps,
		"keyframe_interval", e.cfg.KeyframeInterval,
	)

	pipeline, appsink, err := createEncodePipeline(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("camera: failed to create pipeline: %w", err)
	}
	e.pipeline = pipeline
	e.appsink = appsink
	e.frames = make(chan Frame, 2*e.cfg.FPS)
	e.started = time.Now()

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: e.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("camera: failed to start pipeline: %w", err)
	}

	var runCtx context.Context
	runCtx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.monitorBus(runCtx)

	return e.frames, nil
}

// onNewSample pulls one encoded access unit from the appsink.
// Data is copied because GStreamer reuses the buffer.
func (e *GstEncoder) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("camera: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("camera: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	keyframe := !buffer.HasFlags(gst.BufferFlagDeltaUnit)

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&e.frameCount, 1)
	atomic.AddUint64(&e.bytesEncoded, uint64(len(frameData)))
	if keyframe {
		atomic.AddUint64(&e.keyframes, 1)
	}

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Keyframe:  keyframe,
		Data:      frameData,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return gst.FlowEOS
	}

	if !deliverFrame(e.frames, frame, keyframeSendWait) {
		atomic.AddUint64(&e.framesDropped, 1)
		if keyframe {
			slog.Warn("camera: dropping keyframe, ingest stalled", "seq", seq)
		} else {
			slog.Debug("camera: dropping frame, channel full", "seq", seq)
		}
	}
	return gst.FlowOK
}

// monitorBus polls the pipeline bus until ctx is cancelled.
// EOS or an error is a device failure: the frame channel is closed.
func (e *GstEncoder) monitorBus(ctx context.Context) {
	defer e.wg.Done()

	bus := e.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("camera: context cancelled, stopping bus monitor")
			return
		default:
		}

		// Short poll keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			e.fail(fmt.Errorf("unexpected end of stream"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			atomic.AddUint64(&e.errors, 1)
			slog.Error("camera: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", classifyPipelineError(gerr.Error(), gerr.DebugString()),
				"uptime", time.Since(e.started),
				"frames_encoded", atomic.LoadUint64(&e.frameCount),
			)
			e.fail(fmt.Errorf("pipeline error: %s", gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() == e.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("camera: pipeline state changed", "from", old, "to", new)
				if new == gst.StatePlaying {
					slog.Info("camera: pipeline playing")
				}
			}
		}
	}
}

// fail records err and closes the frame channel
func (e *GstEncoder) fail(err error) {
	e.err.Store(err)
	e.closeFrames()
}

func (e *GstEncoder) closeFrames() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed && e.frames != nil {
		e.closed = true
		close(e.frames)
	}
}

// Stop stops the bus monitor, tears the pipeline down and closes the frame
// channel. Idempotent.
func (e *GstEncoder) Stop() error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	slog.Info("camera: stopping encoder")
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("camera: bus monitor did not stop in time")
	}

	var stopErr error
	if e.pipeline != nil {
		if err := e.pipeline.SetState(gst.StateNull); err != nil {
			stopErr = fmt.Errorf("camera: failed to set pipeline to NULL: %w", err)
		}
	}
	e.closeFrames()

	slog.Info("camera: encoder stopped",
		"frames_encoded", atomic.LoadUint64(&e.frameCount),
		"keyframes", atomic.LoadUint64(&e.keyframes),
		"frames_dropped", atomic.LoadUint64(&e.framesDropped),
		"uptime", time.Since(e.started),
	)
	return stopErr
}

// Err returns the device failure that closed the frame channel, if any
func (e *GstEncoder) Err() error {
	if err, ok := e.err.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns encoder statistics
func (e *GstEncoder) Stats() EncoderStats {
	e.mu.RLock()
	running := e.cancel != nil && !e.closed
	started := e.started
	e.mu.RUnlock()

	frames := atomic.LoadUint64(&e.frameCount)
	var fpsReal float64
	if running && frames > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(frames) / elapsed
		}
	}

	return EncoderStats{
		Source:        e.cfg.Source,
		Resolution:    fmt.Sprintf("%dx%d", e.cfg.Width, e.cfg.Height),
		FPSTarget:     e.cfg.FPS,
		FPSReal:       fpsReal,
		FrameCount:    frames,
		Keyframes:     atomic.LoadUint64(&e.keyframes),
		BytesEncoded:  atomic.LoadUint64(&e.bytesEncoded),
		FramesDropped: atomic.LoadUint64(&e.framesDropped),
		Errors:        atomic.LoadUint64(&e.errors),
		IsRunning:     running,
	}
}

// createEncodePipeline builds (but does not start) the capture+encode pipeline
func createEncodePipeline(cfg EncoderConfig) (*gst.Pipeline, *app.Sink, error) {
	// Safe to call multiple times
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement(cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s: %w", cfg.Source, err)
	}
	switch cfg.Source {
	case SourceVideoTest:
		src.SetProperty("is-live", true)
	case SourceV4L2:
		src.SetProperty("device", cfg.Device)
	}

	rawCaps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	rawCaps.SetProperty("caps", gst.NewCapsFromString(buildRawCaps(cfg)))

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	encoder, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create x264enc: %w", err)
	}
	encoder.SetProperty("tune", x264TuneZeroLatency)
	encoder.SetProperty("bitrate", uint(cfg.BitrateKbps))
	encoder.SetProperty("key-int-max", uint(cfg.KeyframeInterval))
	encoder.SetProperty("speed-preset", 1) // ultrafast

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create h264parse: %w", err)
	}
	parse.SetProperty("config-interval", -1) // SPS/PPS with every IDR

	h264Caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create h264 capsfilter: %w", err)
	}
	h264Caps.SetProperty("caps", gst.NewCapsFromString(buildH264Caps()))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", uint(2*cfg.FPS))
	// Never drop inside the sink: a dropped IDR would break the GOP
	appsink.SetProperty("drop", false)

	pipeline.AddMany(src, rawCaps, convert, encoder, parse, h264Caps, appsink.Element)
	if err := gst.ElementLinkMany(src, rawCaps, convert, encoder, parse, h264Caps, appsink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("camera: encode pipeline created",
		"raw_caps", buildRawCaps(cfg),
		"h264_caps", buildH264Caps(),
	)

	return pipeline, appsink, nil
}

// buildRawCaps returns the capture caps: "video/x-raw,width=W,height=H,framerate=N/1"
func buildRawCaps(cfg EncoderConfig) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", cfg.Width, cfg.Height, cfg.FPS)
}

// buildH264Caps locks Annex-B output with one access unit per buffer
func buildH264Caps() string {
	return "video/x-h264,stream-format=byte-stream,alignment=au"
}

// classifyPipelineError buckets a GStreamer error for logs
func classifyPipelineError(msg, debug string) string {
	text := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(text, "device", "busy", "no such file", "permission", "v4l2", "libcamera", "not-negotiated"):
		return "device"
	case containsAny(text, "encode", "x264", "h264parse", "format"):
		return "codec"
	default:
		return "unknown"
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
