// Package websocket implements the broadcast hub: subscriber-at-a-time,
// topic-filtered fan-out of monitor events with per-subscriber bounded queues
// and slow-consumer isolation. The wire transport is gorilla/websocket, but
// the hub itself only knows the Transport interface, which keeps fan-out
// logic testable without network connections.
package websocket

import (
	"time"

	"github.com/floworc/floworc/internal/events"
)

// MessageType identifies the kind of event carried by an Envelope.
// Clients use this field to route the payload.
type MessageType string

const (
	MsgJobStatus        MessageType = "job_status_update"
	MsgJobProgress      MessageType = "job_progress_update"
	MsgJobMetrics       MessageType = "job_metrics_update"
	MsgLog              MessageType = "log_message"
	MsgBacklogTruncated MessageType = "backlog_truncated"
	MsgSnapshot         MessageType = "snapshot"
)

// Envelope is the frame sent to every subscriber. Timestamp is ISO-8601 UTC.
// TargetJobID is empty for messages not tied to a single job (system logs,
// snapshots, backlog markers).
type Envelope struct {
	Type        MessageType `json:"type"`
	Timestamp   string      `json:"timestamp"`
	TargetJobID string      `json:"targetJobId"`
	Data        any         `json:"data"`
}

// NewEnvelope builds an envelope stamped with at in wire form.
func NewEnvelope(t MessageType, targetJobID string, at time.Time, data any) Envelope {
	return Envelope{
		Type:        t,
		Timestamp:   at.UTC().Format(time.RFC3339Nano),
		TargetJobID: targetJobID,
		Data:        data,
	}
}

// StatusUpdateData is the payload of job_status_update.
type StatusUpdateData struct {
	JobID           string            `json:"jobId"`
	Status          events.JobStatus  `json:"status"`
	PreviousStatus  events.JobStatus  `json:"previousStatus"`
	ProgressPercent float64           `json:"progressPercent"`
	CurrentStep     string            `json:"currentStep"`
	Metrics         events.JobMetrics `json:"metrics"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
}

// ProgressData is the payload of job_progress_update.
type ProgressData struct {
	JobID           string  `json:"jobId"`
	ProgressPercent float64 `json:"progressPercent"`
	CurrentStep     string  `json:"currentStep"`
	Timestamp       string  `json:"timestamp"`
}

// MetricsData is the payload of job_metrics_update.
type MetricsData struct {
	JobID   string            `json:"jobId"`
	Metrics events.JobMetrics `json:"metrics"`
}

// LogData is the payload of log_message and the element type of snapshot
// recentLogs.
type LogData struct {
	JobID     string          `json:"jobId,omitempty"`
	Level     events.LogLevel `json:"level"`
	Component string          `json:"component"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
}

// SnapshotData is the payload of the optional subscribe-time snapshot:
// current active jobs plus the most recent retained log lines.
type SnapshotData struct {
	ActiveJobs []events.Job `json:"activeJobs"`
	RecentLogs []LogData    `json:"recentLogs"`
}

// BacklogTruncatedData is the payload of backlog_truncated, enqueued once per
// overflow episode when a slow subscriber's queue drops its oldest messages.
type BacklogTruncatedData struct {
	Dropped int `json:"dropped"`
}
