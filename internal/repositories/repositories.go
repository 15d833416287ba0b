// Package repositories defines the persistence contracts consumed by the
// scheduler and monitor, and their GORM implementations. The core treats
// these as durable and crash-safe: every authoritative status or metrics
// transition observed by the monitor is written through here.
package repositories

import (
	"context"
	"time"

	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/events"
)

// ListFilter narrows job list queries. Zero-valued fields are ignored.
type ListFilter struct {
	Status events.JobStatus
	Kind   events.JobKind
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository is the durable store of job records. Implementations must be
// safe for concurrent use; the monitor serializes writes per job through its
// ingestion task, but reads may come from any goroutine.
type JobRepository interface {
	Create(ctx context.Context, job events.Job) error
	Update(ctx context.Context, job events.Job) error
	GetByID(ctx context.Context, id string) (events.Job, error)
	List(ctx context.Context, filter ListFilter) ([]events.Job, int64, error)
	Delete(ctx context.Context, id string) error

	// BulkCreateLogs inserts the retained log lines of a finished job in a
	// single transaction.
	BulkCreateLogs(ctx context.Context, logs []db.JobLog) error
	GetLogs(ctx context.Context, jobID string) ([]db.JobLog, error)
}

// -----------------------------------------------------------------------------
// SessionRepository
// -----------------------------------------------------------------------------

// SessionRepository records WebSocket subscription sessions for audit.
type SessionRepository interface {
	Create(ctx context.Context, session *db.Session) error

	// Close stamps the disconnect time and close reason on an open session.
	Close(ctx context.Context, subscriberID string, at time.Time, reason string) error

	// DeleteClosedBefore purges closed sessions older than t.
	DeleteClosedBefore(ctx context.Context, t time.Time) (int64, error)
}
