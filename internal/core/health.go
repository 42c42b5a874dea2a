package core

import "time"

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health state of the recorder.
//
// The recorder keeps capturing with partial hardware: losing the sensor or
// the camera is "degraded", losing the writer (or everything) is "unhealthy".
type HealthStatus struct {
	Status        string
	UptimeSeconds int64
	SensorUp      bool
	CameraUp      bool
	WriterUp      bool
	SensorError   string
	CameraError   string
}

// HealthCheck returns the current health status of the pipeline
func (p *Pipeline) HealthCheck() HealthStatus {
	p.mu.RLock()
	running := p.isRunning
	started := p.started
	reader := p.reader
	p.mu.RUnlock()

	status := HealthStatus{Status: StatusHealthy}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if reader != nil {
		ts := reader.Stats()
		status.SensorUp = ts.Running
		status.SensorError = ts.DeviceError
	}
	cs := p.recorder.Stats()
	status.CameraUp = cs.Running
	status.CameraError = cs.DeviceError
	status.WriterUp = p.writer.Stats().Running

	switch {
	case !running || !status.WriterUp:
		status.Status = StatusUnhealthy
	case !status.SensorUp && !status.CameraUp:
		status.Status = StatusUnhealthy
	case !status.SensorUp || !status.CameraUp:
		status.Status = StatusDegraded
	}

	return status
}
