package events

import "time"

// ResourceKind identifies which host resource a pressure alert refers to.
type ResourceKind string

const (
	ResourceMemory      ResourceKind = "memory"
	ResourceCPU         ResourceKind = "cpu"
	ResourceDisk        ResourceKind = "disk"
	ResourceConnections ResourceKind = "connections"
)

// AlertCause is the sealed sum type describing a reason to notify operators.
// Causes are produced by the monitor (failures, timeouts), by resource
// monitors (pressure), and internally by the notifier itself (system errors).
// Every cause carries the wall timestamp of its creation.
type AlertCause interface {
	// At returns when the cause was created.
	At() time.Time

	isAlertCause()
}

// JobFailure is raised when a job transitions to FAILED.
type JobFailure struct {
	JobID string
	Err   string
	Time  time.Time
}

// JobTimeout is raised when a RUNNING job exceeds the configured timeout
// threshold. It is observational — the job keeps running.
type JobTimeout struct {
	JobID   string
	Elapsed time.Duration
	Time    time.Time
}

// ResourcePressure is raised when a reported resource sample exceeds its
// configured threshold. Current and Threshold are in Unit.
type ResourcePressure struct {
	Kind      ResourceKind
	Current   float64
	Threshold float64
	Unit      string
	Time      time.Time
}

// SystemError is raised for internal component failures, including
// notifications that exhausted their delivery attempts.
type SystemError struct {
	Component string
	Err       string
	Time      time.Time
}

func (c JobFailure) At() time.Time { return c.Time }
func (c JobFailure) isAlertCause() {}
func (c JobTimeout) At() time.Time { return c.Time }
func (c JobTimeout) isAlertCause() {}
func (c ResourcePressure) At() time.Time { return c.Time }
func (c ResourcePressure) isAlertCause() {}
func (c SystemError) At() time.Time { return c.Time }
func (c SystemError) isAlertCause() {}

// AlertSink accepts alert causes for asynchronous operator notification.
// Implemented by the notification service; producers must never block on it.
type AlertSink interface {
	Submit(cause AlertCause)
}
