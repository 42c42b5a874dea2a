package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// SampleSink receives every parsed sample (the write-back queue)
type SampleSink interface {
	AppendSample(sample types.TelemetrySample) error
}

// TriggerSink receives triggers (the video recorder). Trigger returns false
// when the trigger was coalesced into an extraction already in progress.
type TriggerSink interface {
	Trigger(t types.Trigger) bool
}

// Config configures a Reader
type Config struct {
	Policy Policy
	// SkipFirstLine discards the first line read, which may be a partial
	// line if the device was opened mid-stream
	SkipFirstLine bool
}

// Stats is a snapshot of reader counters
type Stats struct {
	Lines        uint64
	Samples      uint64
	ParseErrors  uint64
	Triggers     uint64
	Coalesced    uint64
	AppendErrors uint64
	Timeouts     uint64
	Running      bool
	DeviceError  string
}

// Reader is the telemetry reader component.
//
// One goroutine reads lines from the source, logs every sample through the
// sample sink and forwards triggers. A device failure stops only the reader.
type Reader struct {
	cfg      Config
	source   Source
	samples  SampleSink
	triggers TriggerSink

	startMu sync.Mutex
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	deviceErr atomic.Value // error

	lines        uint64
	parsed       uint64
	parseErrors  uint64
	triggered    uint64
	coalesced    uint64
	appendErrors uint64
	timeouts     uint64
	running      atomic.Bool
}

// NewReader creates a reader with fail-fast validation
func NewReader(cfg Config, source Source, samples SampleSink, triggers TriggerSink) (*Reader, error) {
	if source == nil {
		return nil, fmt.Errorf("telemetry: source is required")
	}
	if samples == nil {
		return nil, fmt.Errorf("telemetry: sample sink is required")
	}
	if triggers == nil {
		return nil, fmt.Errorf("telemetry: trigger sink is required")
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, fmt.Errorf("telemetry: invalid policy: %w", err)
	}

	return &Reader{
		cfg:      cfg,
		source:   source,
		samples:  samples,
		triggers: triggers,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Name identifies the component in lifecycle logs
func (r *Reader) Name() string {
	return "telemetry"
}

// Start spawns the read loop. The source is closed when the loop exits.
func (r *Reader) Start(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	if r.started {
		return fmt.Errorf("telemetry: already started")
	}
	select {
	case <-r.stopCh:
		return fmt.Errorf("telemetry: cannot start after stop")
	default:
	}
	r.started = true
	r.running.Store(true)

	slog.Info("telemetry: starting",
		"source", r.source.Name(),
		"mode", r.cfg.Policy.Mode,
		"threshold_x", r.cfg.Policy.ThresholdX,
		"threshold_y", r.cfg.Policy.ThresholdY,
	)

	go r.run(ctx)
	return nil
}

// Stop asks the read loop to exit at its next timeout boundary. Idempotent.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.startMu.Lock()
		started := r.started
		r.startMu.Unlock()
		if !started {
			r.source.Close()
			close(r.done)
		}
	})
}

// Done is closed when the read loop has exited
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the read loop exits or ctx expires
func (r *Reader) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the device error that terminated the reader, if any
func (r *Reader) Err() error {
	if err, ok := r.deviceErr.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns a snapshot of reader counters
func (r *Reader) Stats() Stats {
	s := Stats{
		Lines:        atomic.LoadUint64(&r.lines),
		Samples:      atomic.LoadUint64(&r.parsed),
		ParseErrors:  atomic.LoadUint64(&r.parseErrors),
		Triggers:     atomic.LoadUint64(&r.triggered),
		Coalesced:    atomic.LoadUint64(&r.coalesced),
		AppendErrors: atomic.LoadUint64(&r.appendErrors),
		Timeouts:     atomic.LoadUint64(&r.timeouts),
		Running:      r.running.Load(),
	}
	if err := r.Err(); err != nil {
		s.DeviceError = err.Error()
	}
	return s
}

func (r *Reader) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// run is the read loop.
//
// Algorithm:
//  1. Read one line (bounded by the source's read timeout)
//  2. On timeout, check stop and read again
//  3. Discard the first line, parse the rest, log and maybe trigger
//
// Exits on: Stop, ctx.Done, io.EOF (clean end of stream) or a device error.
func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	defer r.running.Store(false)
	defer r.source.Close()

	skip := r.cfg.SkipFirstLine

	for !r.stopping() {
		if ctx.Err() != nil {
			slog.Info("telemetry: context cancelled, stopping")
			break
		}

		line, err := r.source.ReadLine()
		switch {
		case err == nil:
		case errors.Is(err, ErrReadTimeout):
			atomic.AddUint64(&r.timeouts, 1)
			continue
		case errors.Is(err, io.EOF):
			slog.Info("telemetry: end of stream", "source", r.source.Name())
			r.logFinished()
			return
		default:
			devErr := types.DeviceError("telemetry", r.source.Name(), err)
			r.deviceErr.Store(devErr)
			slog.Error("telemetry: sensor device error, reader stopped",
				"source", r.source.Name(),
				"error", err,
			)
			r.logFinished()
			return
		}

		atomic.AddUint64(&r.lines, 1)
		if skip {
			skip = false
			slog.Debug("telemetry: discarded first line", "bytes", len(line))
			continue
		}

		r.handleLine(line, time.Now())
	}

	r.logFinished()
}

// handleLine parses, logs and evaluates one line
func (r *Reader) handleLine(line []byte, now time.Time) {
	sample, err := ParseSample(line, now)
	if err != nil {
		atomic.AddUint64(&r.parseErrors, 1)
		slog.Warn("telemetry: skipping malformed line",
			"error", types.ParseError("telemetry", r.source.Name(), err),
			"line", string(line),
		)
		return
	}
	atomic.AddUint64(&r.parsed, 1)

	if err := r.samples.AppendSample(sample); err != nil {
		atomic.AddUint64(&r.appendErrors, 1)
		slog.Warn("telemetry: failed to enqueue sample",
			"timestamp", sample.Timestamp,
			"error", err,
		)
	}

	if !r.cfg.Policy.Exceeds(sample) {
		return
	}

	atomic.AddUint64(&r.triggered, 1)
	trig := types.Trigger{
		ClipName:  r.cfg.Policy.ClipName(sample.Timestamp),
		Timestamp: sample.Timestamp,
		At:        sample.ReceivedAt,
		Sample:    sample,
		TraceID:   uuid.NewString(),
	}

	slog.Warn("telemetry: rapid acceleration detected",
		"x", sample.X,
		"y", sample.Y,
		"clip", trig.ClipName,
		"trace_id", trig.TraceID,
	)

	if !r.triggers.Trigger(trig) {
		atomic.AddUint64(&r.coalesced, 1)
		slog.Info("telemetry: trigger coalesced into extraction in progress",
			"clip", trig.ClipName,
			"trace_id", trig.TraceID,
		)
	}
}

func (r *Reader) logFinished() {
	slog.Info("telemetry: finished sensor monitoring",
		"lines", atomic.LoadUint64(&r.lines),
		"samples", atomic.LoadUint64(&r.parsed),
		"parse_errors", atomic.LoadUint64(&r.parseErrors),
		"triggers", atomic.LoadUint64(&r.triggered),
	)
}
