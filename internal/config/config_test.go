package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "output.csv", cfg.TelemetryFile)
	assert.Equal(t, 9600, cfg.Sensor.BaudRate)
	assert.Equal(t, 0.3, cfg.Trigger.ThresholdX)
	assert.Equal(t, 0.3, cfg.Trigger.ThresholdY)
	assert.Equal(t, ".h264", cfg.Trigger.ClipExtension)
	assert.Equal(t, 20*time.Second, cfg.Camera.PreWindow())
	assert.Equal(t, 10*time.Second, cfg.Camera.PostWindow())
	assert.Equal(t, 10*time.Second, cfg.Writer.PollTimeout())
	assert.True(t, cfg.Writer.MetadataEnabled())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
output_path: /tmp/recordings
sensor:
  port: /dev/ttyUSB1
  baud_rate: 115200
trigger:
  threshold_x: 0.5
  mode: signed
camera:
  source: mock
  fps: 25
  pre_window_s: 5
writer:
  retries: 2
  clip_metadata: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/recordings", cfg.OutputPath)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Sensor.Port)
	assert.Equal(t, 115200, cfg.Sensor.BaudRate)
	assert.Equal(t, 0.5, cfg.Trigger.ThresholdX)
	assert.Equal(t, 0.3, cfg.Trigger.ThresholdY, "untouched keys keep their default")
	assert.Equal(t, TriggerModeSigned, cfg.Trigger.Mode)
	assert.Equal(t, SourceMock, cfg.Camera.Source)
	assert.Equal(t, 25, cfg.Camera.FPS)
	assert.Equal(t, 5*time.Second, cfg.Camera.PreWindow())
	assert.Equal(t, 10*time.Second, cfg.Camera.PostWindow())
	assert.Equal(t, 2, cfg.Writer.Retries)
	assert.False(t, cfg.Writer.MetadataEnabled())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "output_path: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing output path", func(c *Config) { c.OutputPath = "" }, "output_path is required"},
		{"telemetry file with path", func(c *Config) { c.TelemetryFile = "logs/out.csv" }, "plain file name"},
		{"no sensor input", func(c *Config) { c.Sensor.Port = "" }, "port or replay_file"},
		{"unknown trigger mode", func(c *Config) { c.Trigger.Mode = "absolute" }, "unknown mode"},
		{"bad extension", func(c *Config) { c.Trigger.ClipExtension = "h264" }, "clip_extension"},
		{"unknown camera source", func(c *Config) { c.Camera.Source = "rtsp" }, "unknown source"},
		{"fps out of range", func(c *Config) { c.Camera.FPS = 120 }, "fps must be 1-60"},
		{"negative max pending", func(c *Config) { c.Writer.MaxPending = -1 }, "max_pending"},
		{"negative retries", func(c *Config) { c.Writer.Retries = -1 }, "retries"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"shutdown shorter than post window", func(c *Config) {
			c.ShutdownTimeoutS = 10
			c.Camera.PostWindowS = 10
		}, "must exceed camera.post_window_s"},
		{"post window defaulted past shutdown", func(c *Config) {
			c.ShutdownTimeoutS = 5
			c.Camera.PostWindowS = 0
		}, "shutdown_timeout_s (5)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{
		OutputPath: "/data",
		Sensor:     SensorConfig{ReplayFile: "drive.csv"},
		Camera:     CameraConfig{Source: SourceV4L2, FPS: 15},
	}
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "output.csv", cfg.TelemetryFile)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, TriggerModeMagnitude, cfg.Trigger.Mode)
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.Equal(t, 15, cfg.Camera.KeyframeInterval)
	assert.Equal(t, 20, cfg.Camera.PreWindowS)
	assert.Equal(t, 10, cfg.Camera.PostWindowS)
	assert.Equal(t, 500*time.Millisecond, cfg.Sensor.ReadTimeout())
	assert.True(t, cfg.Writer.MetadataEnabled())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "drmond.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
