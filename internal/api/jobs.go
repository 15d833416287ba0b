package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/monitor"
	"github.com/floworc/floworc/internal/repositories"
	"github.com/floworc/floworc/internal/scheduler"
)

// createJobRequest is the POST /jobs body. Recurrence intervals come in as
// whole seconds; the ID is always server-assigned.
type createJobRequest struct {
	Kind                      events.JobKind      `json:"kind"`
	Source                    events.SourceConfig `json:"source"`
	Target                    events.TargetConfig `json:"target"`
	Transformation            string              `json:"transformation,omitempty"`
	ScheduledAt               *time.Time          `json:"scheduledAt,omitempty"`
	Recurring                 bool                `json:"recurring,omitempty"`
	RecurrenceIntervalSeconds int64               `json:"recurrenceIntervalSeconds,omitempty"`
}

func (req createJobRequest) toSpec() events.JobSpec {
	spec := events.JobSpec{
		Kind:               req.Kind,
		Source:             req.Source,
		Target:             req.Target,
		Transformation:     req.Transformation,
		Recurring:          req.Recurring,
		RecurrenceInterval: time.Duration(req.RecurrenceIntervalSeconds) * time.Second,
	}
	if req.ScheduledAt != nil {
		spec.ScheduledAt = *req.ScheduledAt
	}
	return spec
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := h.scheduler.Schedule(r.Context(), req.toSpec())
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrConflict):
			ErrConflict(w, err.Error())
		case errors.Is(err, scheduler.ErrInvalidSpec):
			ErrBadRequest(w, err.Error())
		default:
			h.logger.Error("failed to schedule job", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, envelope{"jobId": id})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repositories.ListFilter{
		Status: events.JobStatus(q.Get("status")),
		Kind:   events.JobKind(q.Get("kind")),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}

	jobs, total, err := h.scheduler.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"jobs": jobs, "total": total})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The monitor answers for live and recently retained jobs without a
	// database round trip; older jobs come from the repository.
	if job, err := h.monitor.GetJob(id); err == nil {
		Ok(w, job)
		return
	}

	job, err := h.scheduler.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, job)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.scheduler.Cancel(id) {
		Ok(w, envelope{"jobId": id, "cancelled": true})
		return
	}

	// Distinguish an unknown job from one that already reached a terminal
	// state; the latter is a conflict, not a missing resource.
	job, err := h.monitor.GetJob(id)
	if err == nil && job.Status.Terminal() {
		ErrConflict(w, "job already in terminal state "+string(job.Status))
		return
	}
	ErrNotFound(w)
}

func (h *handlers) getJobMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, err := h.monitor.GetMetrics(id)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, m)
}

func (h *handlers) getMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	history, err := h.monitor.GetMetricsHistory(id, since)
	if err != nil {
		ErrNotFound(w)
		return
	}
	Ok(w, envelope{"jobId": id, "samples": history})
}

func (h *handlers) aggregateMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := monitor.AggregateFilter{
		Kind: events.JobKind(q.Get("kind")),
	}
	if raw := q.Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.JobIDs = append(filter.JobIDs, id)
			}
		}
	}
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.Since = parsed
	}
	if raw := q.Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "until must be RFC 3339")
			return
		}
		filter.Until = parsed
	}

	Ok(w, h.monitor.GetAggregated(filter))
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
