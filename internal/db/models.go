package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/floworc/floworc/internal/events"
)

// base contains the common fields shared by models with generated IDs.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering. CreatedAt and UpdatedAt are managed by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is the durable record of a scheduled job. The primary key is the spec
// ID assigned by the scheduler (not a generated UUID) so callers can address
// jobs by the ID returned from Schedule.
//
// The monitor holds the authoritative runtime state in memory; this record is
// written through on every status transition and metrics update, so after a
// crash the repository reflects the last acknowledged state.
type Job struct {
	ID                 string    `gorm:"type:text;primaryKey"`
	Kind               string    `gorm:"not null;index"`
	Status             string    `gorm:"not null;default:'PENDING';index"`
	Source             string    `gorm:"type:text;not null;default:'{}'"` // events.SourceConfig, JSON
	Target             string    `gorm:"type:text;not null;default:'{}'"` // events.TargetConfig, JSON
	Transformation     string    `gorm:"default:''"`
	ScheduledAt        time.Time `gorm:"not null;index"`
	Recurring          bool      `gorm:"not null;default:false"`
	RecurrenceInterval int64     `gorm:"not null;default:0"` // nanoseconds
	StartedAt          *time.Time
	CompletedAt        *time.Time
	LastError          string  `gorm:"type:text;default:''"`
	ProgressPercent    float64 `gorm:"not null;default:0"`
	CurrentStep        string  `gorm:"default:''"`
	Metrics            string  `gorm:"type:text;not null;default:'{}'"` // events.JobMetrics, JSON
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// FromDomain populates the record from a runtime snapshot.
func (j *Job) FromDomain(job events.Job) error {
	source, err := json.Marshal(job.Spec.Source)
	if err != nil {
		return err
	}
	target, err := json.Marshal(job.Spec.Target)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(job.Metrics)
	if err != nil {
		return err
	}

	j.ID = job.Spec.ID
	j.Kind = string(job.Spec.Kind)
	j.Status = string(job.Status)
	j.Source = string(source)
	j.Target = string(target)
	j.Transformation = job.Spec.Transformation
	j.ScheduledAt = job.Spec.ScheduledAt
	j.Recurring = job.Spec.Recurring
	j.RecurrenceInterval = int64(job.Spec.RecurrenceInterval)
	j.StartedAt = job.StartedAt
	j.CompletedAt = job.CompletedAt
	j.LastError = job.LastError
	j.ProgressPercent = job.ProgressPercent
	j.CurrentStep = job.CurrentStep
	j.Metrics = string(metrics)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = job.CreatedAt
	}
	return nil
}

// ToDomain converts the record back into a runtime snapshot.
func (j *Job) ToDomain() (events.Job, error) {
	var source events.SourceConfig
	if err := json.Unmarshal([]byte(j.Source), &source); err != nil {
		return events.Job{}, err
	}
	var target events.TargetConfig
	if err := json.Unmarshal([]byte(j.Target), &target); err != nil {
		return events.Job{}, err
	}
	var metrics events.JobMetrics
	if err := json.Unmarshal([]byte(j.Metrics), &metrics); err != nil {
		return events.Job{}, err
	}

	return events.Job{
		Spec: events.JobSpec{
			ID:                 j.ID,
			Kind:               events.JobKind(j.Kind),
			Source:             source,
			Target:             target,
			Transformation:     j.Transformation,
			ScheduledAt:        j.ScheduledAt,
			Recurring:          j.Recurring,
			RecurrenceInterval: time.Duration(j.RecurrenceInterval),
		},
		Status:          events.JobStatus(j.Status),
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastError:       j.LastError,
		ProgressPercent: j.ProgressPercent,
		CurrentStep:     j.CurrentStep,
		Metrics:         metrics,
	}, nil
}

// JobLog stores structured log lines emitted during a job execution.
// Logs are inserted in bulk at job completion, not line by line during
// execution, to avoid high-frequency write pressure on the database.
type JobLog struct {
	base
	JobID     string    `gorm:"type:text;not null;index"`
	Level     string    `gorm:"not null"`
	Component string    `gorm:"not null;default:''"`
	Message   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// Session is the audit record of one WebSocket subscription. A row is created
// on connect and stamped with the disconnect time and close reason when the
// subscription ends (client close, transport error, or slow-consumer
// eviction). Stale rows are purged by a periodic cleanup.
type Session struct {
	base
	SubscriberID   string `gorm:"type:text;not null;uniqueIndex"`
	RemoteAddr     string `gorm:"default:''"`
	Filter         string `gorm:"type:text;not null;default:'{}'"` // subscription filter, JSON
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	CloseReason    string `gorm:"default:''"`
}
