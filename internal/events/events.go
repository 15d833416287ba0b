// Package events defines the runtime vocabulary shared by the scheduler,
// monitor, broadcast hub, and notification service: job specs and snapshots,
// status and kind enumerations in their wire form, the Event sum type emitted
// by job execution, and the AlertCause sum type consumed by the notifier.
//
// Events and AlertCauses are closed sets — each variant is a plain struct
// implementing a sealed interface. New variants require a change here, which
// keeps every switch over them checkable at review time.
package events

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job, in wire form.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state. Jobs in a terminal
// status never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. The legal paths are:
//
//	PENDING → RUNNING | CANCELLED
//	RUNNING → COMPLETED | FAILED | CANCELLED
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// JobKind identifies which ETL phases a job runs, in wire form.
type JobKind string

const (
	KindExtract   JobKind = "EXTRACT"
	KindTransform JobKind = "TRANSFORM"
	KindLoad      JobKind = "LOAD"
	KindFullETL   JobKind = "FULL_ETL"
)

// Valid reports whether k is one of the defined kinds.
func (k JobKind) Valid() bool {
	switch k {
	case KindExtract, KindTransform, KindLoad, KindFullETL:
		return true
	}
	return false
}

// LogLevel is the severity of a LogEmitted event, in wire form.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelFatal LogLevel = "FATAL"
)

// SourceConfig describes where a job reads from. Table and Query are
// interpreted by the ETL runner against the generic DB handle; BatchSize
// bounds how many rows are pulled per cancellation checkpoint.
type SourceConfig struct {
	Table     string `json:"table"`
	Query     string `json:"query,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// TargetConfig describes where a job writes to.
type TargetConfig struct {
	Table string `json:"table"`
}

// JobSpec is the immutable description of a job as accepted by the scheduler.
// ID is assigned at schedule time when empty. RecurrenceInterval must be
// positive exactly when Recurring is set.
type JobSpec struct {
	ID                 string        `json:"id"`
	Kind               JobKind       `json:"kind"`
	Source             SourceConfig  `json:"source"`
	Target             TargetConfig  `json:"target"`
	Transformation     string        `json:"transformation,omitempty"`
	ScheduledAt        time.Time     `json:"scheduledAt"`
	Recurring          bool          `json:"recurring"`
	RecurrenceInterval time.Duration `json:"recurrenceInterval,omitempty"`
}

// Validate checks the structural invariants of the spec. It does not check
// that the referenced tables exist — that surfaces at execution time.
func (s JobSpec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", s.Kind)
	}
	if s.Recurring && s.RecurrenceInterval <= 0 {
		return fmt.Errorf("recurring job requires a positive recurrence interval")
	}
	if !s.Recurring && s.RecurrenceInterval != 0 {
		return fmt.Errorf("recurrence interval set on non-recurring job")
	}
	return nil
}

// RecordCounts tracks per-record outcomes of a run.
type RecordCounts struct {
	Processed  int64 `json:"processed"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// JobMetrics is a point-in-time snapshot of a job's execution counters.
// ErrorRate is Failed/Processed when Processed > 0 and 0 otherwise;
// ExecutionTime is monotone non-decreasing across snapshots of one run.
type JobMetrics struct {
	Records         RecordCounts  `json:"records"`
	ProcessingRate  float64       `json:"processingRate"` // records per second
	BytesIn         int64         `json:"bytesIn"`
	BytesOut        int64         `json:"bytesOut"`
	PeakMemoryBytes int64         `json:"peakMemoryBytes"`
	PeakCPUPercent  float64       `json:"peakCpuPercent"`
	ExecutionTime   time.Duration `json:"executionTimeMs"`
	Batches         int           `json:"batches"`
	ErrorRate       float64       `json:"errorRate"`
	FirstErrorAt    *time.Time    `json:"firstErrorAt,omitempty"`
}

// Job is a snapshot of a job's authoritative state as held by the monitor.
// StartedAt is set iff the job has reached RUNNING; CompletedAt iff terminal.
type Job struct {
	Spec            JobSpec    `json:"spec"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	ProgressPercent float64    `json:"progressPercent"`
	CurrentStep     string     `json:"currentStep,omitempty"`
	Metrics         JobMetrics `json:"metrics"`
}

// ID returns the job's stable identifier.
func (j Job) ID() string { return j.Spec.ID }
