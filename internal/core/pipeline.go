// Package core wires the telemetry reader, the video recorder and the
// write-back queue together and supervises their lifetime.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/e7canasta/drive-recorder/internal/camera"
	"github.com/e7canasta/drive-recorder/internal/config"
	"github.com/e7canasta/drive-recorder/internal/telemetry"
	"github.com/e7canasta/drive-recorder/internal/writer"
)

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithFs stores output (and reads replay files) on fs instead of the host filesystem
func WithFs(fs afero.Fs) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// WithSource uses src instead of opening the configured serial port or replay file
func WithSource(src telemetry.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// WithEncoder uses enc instead of building one from the camera config
func WithEncoder(enc camera.Encoder) Option {
	return func(p *Pipeline) { p.encoder = enc }
}

// Pipeline is the drive recorder service
type Pipeline struct {
	cfg *config.Config
	fs  afero.Fs

	// Components, in shutdown order: reader, recorder, writer
	source   telemetry.Source
	encoder  camera.Encoder
	writer   *writer.Writer
	recorder *camera.Recorder
	reader   *telemetry.Reader

	controller *Controller

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	runCtx    context.Context    // outlives the caller's ctx until Shutdown finishes
	cancelRun context.CancelFunc // cancelled after every component stopped
}

// New builds the pipeline from cfg. Devices are opened by Start.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.fs == nil {
		p.fs = afero.NewOsFs()
	}

	storage, err := writer.NewFileStorage(p.fs, cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare output path: %w", err)
	}

	w, err := writer.New(writer.Config{
		LogName:      cfg.TelemetryFile,
		PollTimeout:  cfg.Writer.PollTimeout(),
		DrainTimeout: cfg.Writer.DrainTimeout(),
		MaxPending:   cfg.Writer.MaxPending,
		ClipMetadata: cfg.Writer.MetadataEnabled(),
		Retry: writer.RetryConfig{
			MaxRetries:    cfg.Writer.Retries,
			RetryDelay:    cfg.Writer.RetryDelay(),
			MaxRetryDelay: 10 * cfg.Writer.RetryDelay(),
		},
	}, storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create writer: %w", err)
	}
	p.writer = w

	if p.encoder == nil {
		enc, err := camera.NewEncoder(camera.EncoderConfig{
			Source:           cfg.Camera.Source,
			Device:           cfg.Camera.Device,
			Width:            cfg.Camera.Width,
			Height:           cfg.Camera.Height,
			FPS:              cfg.Camera.FPS,
			BitrateKbps:      cfg.Camera.BitrateKbps,
			KeyframeInterval: cfg.Camera.KeyframeInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create encoder: %w", err)
		}
		p.encoder = enc
	}

	rec, err := camera.NewRecorder(camera.RecorderConfig{
		PreWindow:  cfg.Camera.PreWindow(),
		PostWindow: cfg.Camera.PostWindow(),
	}, p.encoder, w)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}
	p.recorder = rec

	slog.Info("pipeline configured",
		"output_path", cfg.OutputPath,
		"telemetry_file", cfg.TelemetryFile,
		"camera_source", cfg.Camera.Source,
		"pre_window", cfg.Camera.PreWindow(),
		"post_window", cfg.Camera.PostWindow(),
	)

	return p, nil
}

// openSource opens the replay file or the serial port. The boolean reports
// whether the first line is a partial line left over in the device buffer.
func (p *Pipeline) openSource() (telemetry.Source, bool, error) {
	if p.source != nil {
		return p.source, false, nil
	}
	if p.cfg.Sensor.ReplayFile != "" {
		src, err := telemetry.OpenReplay(p.fs, p.cfg.Sensor.ReplayFile, p.cfg.Sensor.ReplayInterval())
		return src, false, err
	}
	src, err := telemetry.OpenSerial(p.cfg.Sensor.Port, p.cfg.Sensor.BaudRate, p.cfg.Sensor.ReadTimeout())
	return src, true, err
}

// Start opens the devices and starts the components leaves first: writer,
// recorder, reader. A startup failure stops whatever already started.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("pipeline is already running")
	}

	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	p.started = time.Now()

	if err := p.writer.Start(p.runCtx); err != nil {
		p.cancelRun()
		return fmt.Errorf("failed to start writer: %w", err)
	}

	if err := p.recorder.Start(p.runCtx); err != nil {
		p.abortStartup(p.writer)
		return fmt.Errorf("failed to start recorder: %w", err)
	}

	src, skipFirst, err := p.openSource()
	if err != nil {
		p.abortStartup(p.recorder, p.writer)
		return fmt.Errorf("failed to open sensor: %w", err)
	}
	p.source = src

	reader, err := telemetry.NewReader(telemetry.Config{
		Policy: telemetry.Policy{
			ThresholdX: p.cfg.Trigger.ThresholdX,
			ThresholdY: p.cfg.Trigger.ThresholdY,
			Mode:       p.cfg.Trigger.Mode,
			Extension:  p.cfg.Trigger.ClipExtension,
		},
		SkipFirstLine: skipFirst,
	}, src, p.writer, p.recorder)
	if err != nil {
		src.Close()
		p.abortStartup(p.recorder, p.writer)
		return fmt.Errorf("failed to create reader: %w", err)
	}
	if err := reader.Start(p.runCtx); err != nil {
		p.abortStartup(p.recorder, p.writer)
		return fmt.Errorf("failed to start reader: %w", err)
	}
	p.reader = reader

	p.controller = NewController(p.cfg.ShutdownTimeout(), p.reader, p.recorder, p.writer)
	p.isRunning = true

	if interval := p.cfg.StatsInterval(); interval > 0 {
		p.wg.Add(1)
		go p.logStatsLoop(p.runCtx, interval)
	}

	slog.Info("drive recorder started",
		"sensor", src.Name(),
		"camera_source", p.cfg.Camera.Source,
	)
	return nil
}

// abortStartup stops already-started components in order
func (p *Pipeline) abortStartup(components ...Component) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout())
	defer cancel()
	NewController(p.cfg.ShutdownTimeout(), components...).Shutdown(ctx)
	p.cancelRun()
}

// Run starts the pipeline and blocks until ctx is cancelled. When replaying
// a file it also returns once the replay has ended.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}

	var replayDone <-chan struct{}
	if p.cfg.Sensor.ReplayFile != "" {
		replayDone = p.reader.Done()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-replayDone:
		slog.Info("replay finished")
		return nil
	}
}

// Shutdown stops reader, recorder and writer in that order, each bounded
// by the configured shutdown timeout. Components that miss their budget are
// reported in the returned error and left running.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	controller := p.controller
	p.mu.Unlock()

	slog.Info("shutting down drive recorder")

	err := controller.Shutdown(ctx)

	// Components are down; release the stats loop
	p.cancelRun()
	p.wg.Wait()
	p.logStats("final")

	p.mu.Lock()
	uptime := time.Since(p.started)
	p.isRunning = false
	p.mu.Unlock()

	slog.Info("drive recorder shutdown complete", "uptime", uptime)
	return err
}

// ShutdownBudget is the longest Shutdown can take: one timeout per component
func (p *Pipeline) ShutdownBudget() time.Duration {
	return 3 * p.cfg.ShutdownTimeout()
}

// Stats is a snapshot across components
type Stats struct {
	Telemetry telemetry.Stats
	Camera    camera.RecorderStats
	Writer    writer.Stats
}

// Stats returns a snapshot of every component
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	reader := p.reader
	p.mu.RUnlock()

	s := Stats{
		Camera: p.recorder.Stats(),
		Writer: p.writer.Stats(),
	}
	if reader != nil {
		s.Telemetry = reader.Stats()
	}
	return s
}

// logStatsLoop logs stats every interval until ctx is cancelled
func (p *Pipeline) logStatsLoop(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logStats("periodic")
		}
	}
}

func (p *Pipeline) logStats(kind string) {
	s := p.Stats()
	h := p.HealthCheck()

	slog.Info("pipeline stats",
		"kind", kind,
		"health", h.Status,
		"uptime_s", h.UptimeSeconds,
		slog.Group("telemetry",
			"samples", s.Telemetry.Samples,
			"parse_errors", s.Telemetry.ParseErrors,
			"triggers", s.Telemetry.Triggers,
			"coalesced", s.Telemetry.Coalesced,
			"running", s.Telemetry.Running,
		),
		slog.Group("camera",
			"clips", s.Camera.ClipsProduced,
			"clip_failures", s.Camera.ClipsFailed,
			"triggers_dropped", s.Camera.TriggersDropped,
			"buffered_frames", s.Camera.Ring.Frames,
			"buffered_span", s.Camera.Ring.Span,
			"fps", s.Camera.Encoder.FPSReal,
			"running", s.Camera.Running,
		),
		slog.Group("writer",
			"executed", s.Writer.Executed,
			"failed", s.Writer.Failed,
			"pending", s.Writer.Pending,
			"bytes", s.Writer.BytesWritten,
			"abandoned", s.Writer.Abandoned,
		),
	)
}
