package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	OutputPath       string `yaml:"output_path"`        // base directory for the log and clips
	TelemetryFile    string `yaml:"telemetry_file"`     // telemetry log name under output_path
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"` // per-component stop budget (default: 15)
	StatsIntervalS   int    `yaml:"stats_interval_s"`   // periodic stats logging, 0 disables

	Sensor  SensorConfig  `yaml:"sensor"`
	Trigger TriggerConfig `yaml:"trigger"`
	Camera  CameraConfig  `yaml:"camera"`
	Writer  WriterConfig  `yaml:"writer"`
	Log     LogConfig     `yaml:"log"`
}

// SensorConfig contains accelerometer serial settings
type SensorConfig struct {
	Port          string `yaml:"port"` // e.g. /dev/ttyACM0
	BaudRate      int    `yaml:"baud_rate"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"` // bounded read so stop is honoured

	// ReplayFile replays a recorded telemetry CSV instead of opening Port
	ReplayFile       string `yaml:"replay_file,omitempty"`
	ReplayIntervalMS int    `yaml:"replay_interval_ms,omitempty"` // pacing between replayed lines
}

// TriggerConfig contains acceleration trigger settings
type TriggerConfig struct {
	ThresholdX    float64 `yaml:"threshold_x"`
	ThresholdY    float64 `yaml:"threshold_y"`
	Mode          string  `yaml:"mode"`           // magnitude, signed
	ClipExtension string  `yaml:"clip_extension"` // appended to the sample timestamp
}

// CameraConfig contains encoder and rolling buffer settings
type CameraConfig struct {
	Source           string `yaml:"source"` // mock, videotestsrc, v4l2src, libcamerasrc
	Device           string `yaml:"device,omitempty"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	FPS              int    `yaml:"fps"`
	BitrateKbps      int    `yaml:"bitrate_kbps"`
	KeyframeInterval int    `yaml:"keyframe_interval"` // frames between keyframes
	PreWindowS       int    `yaml:"pre_window_s"`
	PostWindowS      int    `yaml:"post_window_s"`
}

// WriterConfig contains write-back queue settings
type WriterConfig struct {
	PollTimeoutS  int   `yaml:"poll_timeout_s"`  // bounded dequeue wait
	DrainTimeoutS int   `yaml:"drain_timeout_s"` // max time spent draining on stop
	MaxPending    int   `yaml:"max_pending"`     // 0 = unbounded
	Retries       int   `yaml:"retries"`         // 0 = at-most-once
	RetryDelayMS  int   `yaml:"retry_delay_ms"`
	ClipMetadata  *bool `yaml:"clip_metadata,omitempty"` // write <clip>.meta sidecars (default: true)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the factory configuration: ACM0 at 9600 baud, 0.3 thresholds, 20s/10s windows
func Default() *Config {
	metadata := true
	return &Config{
		OutputPath:       "/media/0857-5552",
		TelemetryFile:    "output.csv",
		ShutdownTimeoutS: 15,
		StatsIntervalS:   60,
		Sensor: SensorConfig{
			Port:          "/dev/ttyACM0",
			BaudRate:      9600,
			ReadTimeoutMS: 500,
		},
		Trigger: TriggerConfig{
			ThresholdX:    0.3,
			ThresholdY:    0.3,
			Mode:          TriggerModeMagnitude,
			ClipExtension: ".h264",
		},
		Camera: CameraConfig{
			Source:           SourceLibcamera,
			Width:            1280,
			Height:           720,
			FPS:              30,
			BitrateKbps:      4000,
			KeyframeInterval: 30,
			PreWindowS:       20,
			PostWindowS:      10,
		},
		Writer: WriterConfig{
			PollTimeoutS:  10,
			DrainTimeoutS: 10,
			RetryDelayMS:  200,
			ClipMetadata:  &metadata,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a YAML configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ShutdownTimeout returns the per-component stop budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// StatsInterval returns the periodic stats interval (0 = disabled)
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalS) * time.Second
}

// ReadTimeout returns the bounded serial read wait
func (s SensorConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// ReplayInterval returns the pacing between replayed lines
func (s SensorConfig) ReplayInterval() time.Duration {
	return time.Duration(s.ReplayIntervalMS) * time.Millisecond
}

// PreWindow returns the video kept before a trigger
func (c CameraConfig) PreWindow() time.Duration {
	return time.Duration(c.PreWindowS) * time.Second
}

// PostWindow returns the video kept after a trigger
func (c CameraConfig) PostWindow() time.Duration {
	return time.Duration(c.PostWindowS) * time.Second
}

// PollTimeout returns the bounded dequeue wait
func (w WriterConfig) PollTimeout() time.Duration {
	return time.Duration(w.PollTimeoutS) * time.Second
}

// DrainTimeout returns the drain budget on stop
func (w WriterConfig) DrainTimeout() time.Duration {
	return time.Duration(w.DrainTimeoutS) * time.Second
}

// RetryDelay returns the initial retry backoff
func (w WriterConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMS) * time.Millisecond
}

// MetadataEnabled reports whether clip sidecars are written
func (w WriterConfig) MetadataEnabled() bool {
	return w.ClipMetadata == nil || *w.ClipMetadata
}
