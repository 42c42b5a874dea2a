package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// ClipSink receives finished clips (the write-back queue)
type ClipSink interface {
	WriteClip(clip types.VideoClip) error
}

// RecorderConfig configures a Recorder
type RecorderConfig struct {
	PreWindow  time.Duration // video kept before the trigger
	PostWindow time.Duration // video recorded after the trigger
}

// DefaultRecorderConfig returns the 20s before / 10s after windows
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		PreWindow:  20 * time.Second,
		PostWindow: 10 * time.Second,
	}
}

// RecorderStats is a snapshot of recorder counters
type RecorderStats struct {
	TriggersAccepted uint64
	TriggersDropped  uint64
	ClipsProduced    uint64
	ClipsFailed      uint64
	PartialWindows   uint64
	Extracting       bool
	Running          bool
	DeviceError      string
	Ring             RingStats
	Encoder          EncoderStats
}

// Recorder is the rolling video buffer manager.
//
// Goroutine topology:
//   - ingest: drains the encoder into the ring (never blocks on extraction)
//   - control: waits for a trigger, waits out the post window, cuts the clip
//
// At most one extraction is in flight. Triggers arriving while one is in
// flight are dropped and counted; Trigger reports false for them.
type Recorder struct {
	cfg     RecorderConfig
	encoder Encoder
	sink    ClipSink
	ring    *Ring

	triggerCh chan types.Trigger
	triggerMu sync.Mutex // orders Trigger's stop check and send against finishPending
	busy      atomic.Bool
	failed    atomic.Bool

	startMu  sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Set once the recorder itself asks the encoder to stop, so a closed
	// frame channel is not mistaken for a device failure
	encoderStopping atomic.Bool
	deviceErr       atomic.Value // error

	accepted       uint64
	dropped        uint64
	produced       uint64
	clipFailures   uint64
	partialWindows uint64
	running        atomic.Bool
}

// NewRecorder creates a recorder over encoder. The ring retains
// PreWindow+PostWindow so the pre window is still buffered once the post
// window has elapsed.
func NewRecorder(cfg RecorderConfig, encoder Encoder, sink ClipSink) (*Recorder, error) {
	if encoder == nil {
		return nil, fmt.Errorf("camera: encoder is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("camera: clip sink is required")
	}
	if cfg.PreWindow <= 0 || cfg.PostWindow <= 0 {
		return nil, fmt.Errorf("camera: pre and post windows must be > 0")
	}

	return &Recorder{
		cfg:       cfg,
		encoder:   encoder,
		sink:      sink,
		ring:      NewRing(cfg.PreWindow + cfg.PostWindow),
		triggerCh: make(chan types.Trigger, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Name identifies the component in lifecycle logs
func (r *Recorder) Name() string {
	return "camera"
}

// Start starts continuous encoding into the ring.
// A failure here is a startup fault and is returned to the caller.
func (r *Recorder) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.started {
		return fmt.Errorf("camera: already started")
	}
	select {
	case <-r.stopCh:
		return fmt.Errorf("camera: cannot start after stop")
	default:
	}

	frames, err := r.encoder.Start(ctx)
	if err != nil {
		return types.DeviceError("camera", "encoder", err)
	}
	r.started = true
	r.running.Store(true)

	slog.Info("camera: recording into rolling buffer",
		"pre_window", r.cfg.PreWindow,
		"post_window", r.cfg.PostWindow,
		"retention", r.ring.Retention(),
	)

	go r.run(frames)
	return nil
}

// Trigger requests a clip around t.At. It never blocks.
//
// Returns false when the trigger was dropped: an extraction is already in
// flight, the recorder is stopping, or the camera failed.
func (r *Recorder) Trigger(t types.Trigger) bool {
	r.triggerMu.Lock()
	defer r.triggerMu.Unlock()

	if r.failed.Load() || r.stopping() {
		atomic.AddUint64(&r.dropped, 1)
		return false
	}
	if !r.busy.CompareAndSwap(false, true) {
		atomic.AddUint64(&r.dropped, 1)
		return false
	}

	select {
	case r.triggerCh <- t:
		atomic.AddUint64(&r.accepted, 1)
		return true
	default:
		r.busy.Store(false)
		atomic.AddUint64(&r.dropped, 1)
		return false
	}
}

// Stop asks the recorder to finish. An extraction in flight (or a trigger
// already accepted) completes and its clip is handed off before the encoder
// stops. Idempotent; does not wait.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.startMu.Lock()
		started := r.started
		r.startMu.Unlock()
		if !started {
			close(r.done)
		}
	})
}

// Done is closed when the recorder has fully stopped
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the recorder stops or ctx expires
func (r *Recorder) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the camera device failure that ended recording, if any
func (r *Recorder) Err() error {
	if err, ok := r.deviceErr.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns a snapshot of recorder counters
func (r *Recorder) Stats() RecorderStats {
	s := RecorderStats{
		TriggersAccepted: atomic.LoadUint64(&r.accepted),
		TriggersDropped:  atomic.LoadUint64(&r.dropped),
		ClipsProduced:    atomic.LoadUint64(&r.produced),
		ClipsFailed:      atomic.LoadUint64(&r.clipFailures),
		PartialWindows:   atomic.LoadUint64(&r.partialWindows),
		Extracting:       r.busy.Load(),
		Running:          r.running.Load(),
		Ring:             r.ring.Stats(),
		Encoder:          r.encoder.Stats(),
	}
	if err := r.Err(); err != nil {
		s.DeviceError = err.Error()
	}
	return s
}

func (r *Recorder) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// run owns the recorder lifetime
func (r *Recorder) run(frames <-chan Frame) {
	defer close(r.done)
	defer r.running.Store(false)

	ingestDone := make(chan struct{})
	go r.ingest(frames, ingestDone)

	r.control(ingestDone)

	r.encoderStopping.Store(true)
	if err := r.encoder.Stop(); err != nil {
		slog.Error("camera: failed to stop encoder", "error", err)
	}
	<-ingestDone

	slog.Info("camera: stopped",
		"clips", atomic.LoadUint64(&r.produced),
		"triggers_dropped", atomic.LoadUint64(&r.dropped),
	)
}

// ingest appends every encoded frame to the ring until the encoder closes
// its channel. A close the recorder did not ask for is a device failure.
func (r *Recorder) ingest(frames <-chan Frame, done chan<- struct{}) {
	defer close(done)

	for f := range frames {
		r.ring.Append(f)
	}

	if r.encoderStopping.Load() {
		return
	}

	cause := r.encoder.Err()
	if cause == nil {
		cause = errors.New("encoder stopped unexpectedly")
	}
	devErr := types.DeviceError("camera", "encoder", cause)
	r.deviceErr.Store(devErr)
	r.failed.Store(true)
	slog.Error("camera: camera device error, recording stopped", "error", devErr)
}

// control is the trigger loop.
//
// Exits on Stop (after finishing an accepted trigger) or when ingest ends.
func (r *Recorder) control(ingestDone <-chan struct{}) {
	for {
		select {
		case t := <-r.triggerCh:
			r.capture(t, ingestDone)
			r.busy.Store(false)

		case <-r.stopCh:
			r.finishPending(ingestDone)
			return

		case <-ingestDone:
			r.finishPending(ingestDone)
			return
		}
	}
}

// finishPending closes the trigger gate and completes a trigger accepted
// before it closed. Trigger checks stop/failure and sends under triggerMu,
// so once the gate is taken here no further trigger can land.
func (r *Recorder) finishPending(ingestDone <-chan struct{}) {
	r.triggerMu.Lock()
	var (
		t       types.Trigger
		pending bool
	)
	select {
	case t = <-r.triggerCh:
		pending = true
	default:
	}
	r.triggerMu.Unlock()

	if !pending {
		return
	}
	slog.Info("camera: completing accepted trigger before stop", "clip", t.ClipName)
	r.capture(t, ingestDone)
	r.busy.Store(false)
}

// capture waits out the post window, cuts the clip and hands it off.
// Stop does not interrupt it; a failing encoder ends the wait early.
func (r *Recorder) capture(t types.Trigger, ingestDone <-chan struct{}) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	windowStart := at.Add(-r.cfg.PreWindow)
	windowEnd := at.Add(r.cfg.PostWindow)

	// Frames appended after windowEnd would otherwise push the opening
	// keyframe out of retention before the window is cut
	r.ring.Pin(windowStart)
	defer r.ring.Unpin()

	slog.Info("camera: trigger accepted, recording post window",
		"clip", t.ClipName,
		"trace_id", t.TraceID,
		"post_window", r.cfg.PostWindow,
	)

	if wait := time.Until(windowEnd); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ingestDone:
			timer.Stop()
			slog.Warn("camera: encoder ended during post window, cutting what is buffered",
				"clip", t.ClipName,
			)
		}
	}

	win, err := r.ring.Window(windowStart, windowEnd)
	if err != nil {
		atomic.AddUint64(&r.clipFailures, 1)
		slog.Error("camera: failed to extract clip",
			"clip", t.ClipName,
			"trace_id", t.TraceID,
			"error", err,
		)
		return
	}
	if !win.ExactStart {
		atomic.AddUint64(&r.partialWindows, 1)
		slog.Warn("camera: buffer does not reach back to the full pre window",
			"clip", t.ClipName,
			"requested_start", windowStart,
			"actual_start", win.Start(),
		)
	}

	cadence := win.Cadence()
	if !cadence.IsStable {
		slog.Warn("camera: irregular frame cadence in clip",
			"clip", t.ClipName,
			"fps_mean", cadence.FPSMean,
			"fps_stddev", cadence.FPSStdDev,
			"jitter_mean", cadence.JitterMean,
			"jitter_max", cadence.JitterMax,
		)
	}

	// Copy outside the ring lock
	data := win.Bytes()
	clip := types.VideoClip{
		Name: t.ClipName,
		Data: data,
		Meta: types.ClipMeta{
			Name:            t.ClipName,
			TraceID:         t.TraceID,
			TriggerAt:       at,
			WindowStart:     win.Start(),
			WindowEnd:       win.End(),
			FirstSeq:        win.Frames[0].Seq,
			LastSeq:         win.Frames[len(win.Frames)-1].Seq,
			Frames:          len(win.Frames),
			Keyframes:       win.Keyframes(),
			Bytes:           len(data),
			FPS:             cadence.FPSMean,
			CadenceStable:   cadence.IsStable,
			SampleTimestamp: t.Timestamp,
			AccelX:          t.Sample.X,
			AccelY:          t.Sample.Y,
			AccelZ:          t.Sample.Z,
		},
	}

	if err := r.sink.WriteClip(clip); err != nil {
		atomic.AddUint64(&r.clipFailures, 1)
		slog.Error("camera: failed to hand off clip",
			"clip", t.ClipName,
			"trace_id", t.TraceID,
			"error", err,
		)
		return
	}

	atomic.AddUint64(&r.produced, 1)
	slog.Info("camera: clip handed off",
		"clip", clip.Name,
		"trace_id", t.TraceID,
		"frames", clip.Meta.Frames,
		"bytes", clip.Meta.Bytes,
		"duration", clip.Meta.Duration(),
	)
}
