package events

import "time"

// Event is the sealed sum type emitted by job execution and ingested by the
// monitor. Within a single job ID, events are totally ordered by At as
// emitted by the scheduler.
type Event interface {
	// JobID returns the job the event belongs to.
	JobID() string
	// At returns the wall time the event was emitted.
	At() time.Time

	isEvent()
}

// StatusChanged records a lifecycle transition.
type StatusChanged struct {
	Job  string
	From JobStatus
	To   JobStatus
	// Err carries the failure message when To is FAILED, empty otherwise.
	Err  string
	Time time.Time
}

// Progress records a progress tick. Percent is in [0,100].
type Progress struct {
	Job     string
	Percent float64
	Step    string
	Time    time.Time
}

// MetricsUpdated carries a fresh metrics snapshot.
type MetricsUpdated struct {
	Job     string
	Metrics JobMetrics
	Time    time.Time
}

// LogEmitted carries one log line produced during execution. Job may be
// empty for component-level lines not tied to a specific job.
type LogEmitted struct {
	Job       string
	Level     LogLevel
	Component string
	Message   string
	Time      time.Time
}

func (e StatusChanged) JobID() string { return e.Job }
func (e StatusChanged) At() time.Time { return e.Time }
func (e StatusChanged) isEvent() {}
func (e Progress) JobID() string { return e.Job }
func (e Progress) At() time.Time { return e.Time }
func (e Progress) isEvent() {}
func (e MetricsUpdated) JobID() string { return e.Job }
func (e MetricsUpdated) At() time.Time { return e.Time }
func (e MetricsUpdated) isEvent() {}
func (e LogEmitted) JobID() string { return e.Job }
func (e LogEmitted) At() time.Time { return e.Time }
func (e LogEmitted) isEvent() {}
