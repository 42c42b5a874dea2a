package config

import (
	"fmt"
	"strings"
)

// Trigger modes
const (
	TriggerModeMagnitude = "magnitude"
	TriggerModeSigned    = "signed"
)

// Camera sources
const (
	SourceMock      = "mock"
	SourceVideoTest = "videotestsrc"
	SourceV4L2      = "v4l2src"
	SourceLibcamera = "libcamerasrc"
)

// Validate checks if the configuration is valid and fills zero values
func Validate(cfg *Config) error {
	if cfg.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}
	if cfg.TelemetryFile == "" {
		cfg.TelemetryFile = "output.csv"
	}
	if strings.ContainsAny(cfg.TelemetryFile, `/\`) {
		return fmt.Errorf("telemetry_file must be a plain file name, got %q", cfg.TelemetryFile)
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 15
	}
	if cfg.StatsIntervalS < 0 {
		return fmt.Errorf("stats_interval_s must be >= 0")
	}

	if err := validateSensor(&cfg.Sensor); err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	if err := validateTrigger(&cfg.Trigger); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validateWriter(&cfg.Writer); err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	// Shutdown waits out the post window of a clip in flight before the
	// writer can drain it
	if cfg.ShutdownTimeoutS <= cfg.Camera.PostWindowS {
		return fmt.Errorf("shutdown_timeout_s (%d) must exceed camera.post_window_s (%d)",
			cfg.ShutdownTimeoutS, cfg.Camera.PostWindowS)
	}

	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	return nil
}

func validateSensor(s *SensorConfig) error {
	if s.Port == "" && s.ReplayFile == "" {
		return fmt.Errorf("port or replay_file is required")
	}
	if s.BaudRate <= 0 {
		s.BaudRate = 9600
	}
	if s.ReadTimeoutMS <= 0 {
		s.ReadTimeoutMS = 500
	}
	if s.ReplayIntervalMS < 0 {
		return fmt.Errorf("replay_interval_ms must be >= 0")
	}
	return nil
}

func validateTrigger(t *TriggerConfig) error {
	if t.ThresholdX <= 0 {
		t.ThresholdX = 0.3
	}
	if t.ThresholdY <= 0 {
		t.ThresholdY = 0.3
	}
	switch t.Mode {
	case "":
		t.Mode = TriggerModeMagnitude
	case TriggerModeMagnitude, TriggerModeSigned:
	default:
		return fmt.Errorf("unknown mode %q (must be '%s' or '%s')", t.Mode, TriggerModeMagnitude, TriggerModeSigned)
	}
	if t.ClipExtension == "" {
		t.ClipExtension = ".h264"
	}
	if !strings.HasPrefix(t.ClipExtension, ".") || strings.ContainsAny(t.ClipExtension, `/\`) {
		return fmt.Errorf("clip_extension must look like '.h264', got %q", t.ClipExtension)
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "":
		c.Source = SourceLibcamera
	case SourceMock, SourceVideoTest, SourceV4L2, SourceLibcamera:
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.Source == SourceV4L2 && c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 1280, 720
	}
	if c.FPS <= 0 || c.FPS > 60 {
		return fmt.Errorf("fps must be 1-60, got %d", c.FPS)
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = 4000
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = c.FPS
	}
	if c.PreWindowS <= 0 {
		c.PreWindowS = 20
	}
	if c.PostWindowS <= 0 {
		c.PostWindowS = 10
	}
	return nil
}

func validateWriter(w *WriterConfig) error {
	if w.PollTimeoutS <= 0 {
		w.PollTimeoutS = 10
	}
	if w.DrainTimeoutS <= 0 {
		w.DrainTimeoutS = 10
	}
	if w.MaxPending < 0 {
		return fmt.Errorf("max_pending must be >= 0")
	}
	if w.Retries < 0 {
		return fmt.Errorf("retries must be >= 0")
	}
	if w.RetryDelayMS <= 0 {
		w.RetryDelayMS = 200
	}
	return nil
}
