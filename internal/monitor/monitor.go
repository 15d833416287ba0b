// Package monitor implements the authoritative job-state service. It owns the
// in-memory job maps, ingests execution events from the scheduler through a
// bounded channel, coalesces progress updates, keeps per-job metrics history,
// and fans events out to the broadcast hub and the notification service.
//
// All mutations flow through a single ingestion goroutine; queries take a read
// lock on short critical sections. Repository writes and broadcast pushes
// happen outside the lock, so event producers are never stalled by subscriber
// or database I/O.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/metrics"
	"github.com/floworc/floworc/internal/queue"
	"github.com/floworc/floworc/internal/repositories"
	"github.com/floworc/floworc/internal/websocket"
)

var (
	// ErrNotFound is returned by queries for unknown job IDs.
	ErrNotFound = errors.New("monitor: job not found")

	// ErrIllegalTransition is returned when a status change violates the
	// lifecycle state machine. The authoritative state is left unchanged.
	ErrIllegalTransition = errors.New("monitor: illegal status transition")
)

// Broadcaster is the hub-facing surface the monitor publishes to.
type Broadcaster interface {
	Publish(env websocket.Envelope) bool
	Running() bool
}

// Pinger reports database reachability. Satisfied by db.Pinger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the monitor tunables. Zero fields take the defaults below.
type Config struct {
	// ProgressThreshold is the minimum percent change since the last
	// broadcast progress for a new Progress event to be forwarded.
	ProgressThreshold float64

	// MaxRecentLogs caps both the per-job retained log lines and the global
	// recent-log window served in subscribe-time snapshots.
	MaxRecentLogs int

	// CompletedRetention is how long terminal jobs stay queryable in memory.
	CompletedRetention time.Duration

	// MetricsHistorySize caps the per-job metrics history length.
	MetricsHistorySize int

	// MetricsRetention is the age cap applied to history samples on sweep.
	MetricsRetention time.Duration

	// JobTimeoutThreshold flags RUNNING jobs as timed out (observational
	// only) once their elapsed time exceeds it.
	JobTimeoutThreshold time.Duration

	// IngestBuffer is the capacity of the event ingestion channel.
	IngestBuffer int

	// PendingUpdates is the capacity of the degraded-mode broadcast queue.
	PendingUpdates int
}

const (
	DefaultProgressThreshold   = 5.0
	DefaultMaxRecentLogs       = 50
	DefaultCompletedRetention  = 24 * time.Hour
	DefaultMetricsHistorySize  = 1000
	DefaultMetricsRetention    = 7 * 24 * time.Hour
	DefaultJobTimeoutThreshold = 30 * time.Minute
	DefaultIngestBuffer        = 1024
	DefaultPendingUpdates      = 1024
)

func (c Config) withDefaults() Config {
	if c.ProgressThreshold <= 0 {
		c.ProgressThreshold = DefaultProgressThreshold
	}
	if c.MaxRecentLogs <= 0 {
		c.MaxRecentLogs = DefaultMaxRecentLogs
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = DefaultCompletedRetention
	}
	if c.MetricsHistorySize <= 0 {
		c.MetricsHistorySize = DefaultMetricsHistorySize
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = DefaultMetricsRetention
	}
	if c.JobTimeoutThreshold <= 0 {
		c.JobTimeoutThreshold = DefaultJobTimeoutThreshold
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = DefaultIngestBuffer
	}
	if c.PendingUpdates <= 0 {
		c.PendingUpdates = DefaultPendingUpdates
	}
	return c
}

// Sample is one metrics history entry.
type Sample struct {
	At      time.Time
	Metrics events.JobMetrics
}

// jobState is the monitor's per-job record: the authoritative snapshot plus
// coalescing and alerting bookkeeping.
type jobState struct {
	job events.Job

	// lastBroadcastPercent/Step track the last progress actually forwarded
	// to the hub, which is the reference point for coalescing.
	lastBroadcastPercent float64
	lastBroadcastStep    string

	// timeoutAlerted is sticky: one JobTimeout per run, cleared when the
	// job leaves RUNNING.
	timeoutAlerted bool

	history []Sample
	logs    []websocket.LogData
}

// Service is the monitor. Create with New, start with Run.
type Service struct {
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	repo   repositories.JobRepository
	pinger Pinger
	hub    Broadcaster

	// alerts is set after construction (the notifier is built later in the
	// startup sequence). nil means alerting is disabled.
	alertsMu sync.RWMutex
	alerts   events.AlertSink

	mu        sync.RWMutex
	active    map[string]*jobState
	completed map[string]*jobState
	// recentLogs is the global window served in snapshots, newest last.
	recentLogs []websocket.LogData

	ingest  chan events.Event
	running atomic.Bool

	// degraded redirects broadcast writes into pending until recovery.
	degraded atomic.Bool
	pending  *queue.Bounded[websocket.Envelope]
}

// New creates an idle Service. pinger may be nil (health checks then only
// verify the hub); hub and repo are required.
func New(cfg Config, clock clockwork.Clock, repo repositories.JobRepository, pinger Pinger, hub Broadcaster, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.Named("monitor"),
		repo:      repo,
		pinger:    pinger,
		hub:       hub,
		active:    make(map[string]*jobState),
		completed: make(map[string]*jobState),
		ingest:    make(chan events.Event, cfg.IngestBuffer),
		pending:   queue.NewBounded[websocket.Envelope](cfg.PendingUpdates),
	}
}

// SetAlertSink wires the notification service. Must be called before Run.
func (s *Service) SetAlertSink(sink events.AlertSink) {
	s.alertsMu.Lock()
	s.alerts = sink
	s.alertsMu.Unlock()
}

func (s *Service) submitAlert(cause events.AlertCause) {
	s.alertsMu.RLock()
	sink := s.alerts
	s.alertsMu.RUnlock()
	if sink != nil {
		sink.Submit(cause)
	}
}

// Run consumes the ingestion channel until ctx is cancelled. Must be called
// exactly once, in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	for {
		select {
		case ev := <-s.ingest:
			s.apply(ev)
		case <-ctx.Done():
			// Drain what is already queued so late events from finishing
			// workers are not lost.
			for {
				select {
				case ev := <-s.ingest:
					s.apply(ev)
				default:
					return
				}
			}
		}
	}
}

// Running reports whether the ingestion loop is active.
func (s *Service) Running() bool { return s.running.Load() }

// HandleEvent posts an event to the ingestion channel. It blocks while the
// channel is full, which backpressures job workers rather than losing events.
func (s *Service) HandleEvent(ev events.Event) {
	s.ingest <- ev
}

// Register makes a newly scheduled job authoritative and persists it.
// Returns repositories.ErrConflict when the ID is already taken.
func (s *Service) Register(ctx context.Context, job events.Job) error {
	s.mu.Lock()
	if _, ok := s.active[job.ID()]; ok {
		s.mu.Unlock()
		return repositories.ErrConflict
	}
	if _, ok := s.completed[job.ID()]; ok {
		s.mu.Unlock()
		return repositories.ErrConflict
	}
	s.active[job.ID()] = &jobState{job: job}
	s.mu.Unlock()

	if err := s.repo.Create(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.active, job.ID())
		s.mu.Unlock()
		return fmt.Errorf("register job %s: %w", job.ID(), err)
	}
	return nil
}

// apply processes one event: mutate under the lock, then perform repository
// and broadcast I/O outside it.
func (s *Service) apply(ev events.Event) {
	switch e := ev.(type) {
	case events.StatusChanged:
		metrics.EventsIngested.WithLabelValues("status").Inc()
		s.applyStatus(e)
	case events.Progress:
		metrics.EventsIngested.WithLabelValues("progress").Inc()
		s.applyProgress(e)
	case events.MetricsUpdated:
		metrics.EventsIngested.WithLabelValues("metrics").Inc()
		s.applyMetrics(e)
	case events.LogEmitted:
		metrics.EventsIngested.WithLabelValues("log").Inc()
		s.applyLog(e)
	}
}

func (s *Service) applyStatus(e events.StatusChanged) {
	s.mu.Lock()
	st, ok := s.active[e.Job]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("status event for unknown job",
			zap.String("job_id", e.Job),
			zap.String("to", string(e.To)),
		)
		return
	}

	from := st.job.Status
	if !from.CanTransitionTo(e.To) {
		s.mu.Unlock()
		s.logger.Warn("rejected illegal status transition",
			zap.String("job_id", e.Job),
			zap.String("from", string(from)),
			zap.String("to", string(e.To)),
		)
		return
	}

	st.job.Status = e.To
	switch {
	case e.To == events.StatusRunning:
		at := e.Time
		st.job.StartedAt = &at
	case e.To.Terminal():
		at := e.Time
		st.job.CompletedAt = &at
		st.timeoutAlerted = false
		if e.To == events.StatusFailed {
			st.job.LastError = e.Err
		}
		delete(s.active, e.Job)
		s.completed[e.Job] = st
	}
	snapshot := st.job
	logs := st.logs
	s.mu.Unlock()

	if e.To.Terminal() {
		metrics.JobsTotal.WithLabelValues(string(e.To)).Inc()
	}

	s.persist(snapshot)
	if e.To.Terminal() && len(logs) > 0 {
		s.persistLogs(e.Job, logs)
	}

	s.publish(websocket.NewEnvelope(websocket.MsgJobStatus, e.Job, e.Time, websocket.StatusUpdateData{
		JobID:           e.Job,
		Status:          e.To,
		PreviousStatus:  from,
		ProgressPercent: snapshot.ProgressPercent,
		CurrentStep:     snapshot.CurrentStep,
		Metrics:         snapshot.Metrics,
		ErrorMessage:    e.Err,
	}))

	if e.To == events.StatusFailed {
		s.submitAlert(events.JobFailure{JobID: e.Job, Err: e.Err, Time: e.Time})
	}
}

func (s *Service) applyProgress(e events.Progress) {
	s.mu.Lock()
	st, ok := s.active[e.Job]
	if !ok {
		s.mu.Unlock()
		return
	}

	st.job.ProgressPercent = e.Percent
	st.job.CurrentStep = e.Step

	// Forward only when the change since the last broadcast crosses the
	// threshold, the job finishes, or the step label changes.
	forward := abs(e.Percent-st.lastBroadcastPercent) >= s.cfg.ProgressThreshold ||
		e.Percent == 100 ||
		e.Step != st.lastBroadcastStep
	if forward {
		st.lastBroadcastPercent = e.Percent
		st.lastBroadcastStep = e.Step
	}
	s.mu.Unlock()

	if !forward {
		return
	}
	s.publish(websocket.NewEnvelope(websocket.MsgJobProgress, e.Job, e.Time, websocket.ProgressData{
		JobID:           e.Job,
		ProgressPercent: e.Percent,
		CurrentStep:     e.Step,
		Timestamp:       e.Time.UTC().Format(time.RFC3339Nano),
	}))
}

func (s *Service) applyMetrics(e events.MetricsUpdated) {
	s.mu.Lock()
	st, ok := s.active[e.Job]
	if !ok {
		st, ok = s.completed[e.Job]
	}
	if !ok {
		s.mu.Unlock()
		return
	}

	st.job.Metrics = e.Metrics
	st.history = append(st.history, Sample{At: e.Time, Metrics: e.Metrics})
	if len(st.history) > s.cfg.MetricsHistorySize {
		st.history = st.history[len(st.history)-s.cfg.MetricsHistorySize:]
	}
	snapshot := st.job
	s.mu.Unlock()

	s.persist(snapshot)
	s.publish(websocket.NewEnvelope(websocket.MsgJobMetrics, e.Job, e.Time, websocket.MetricsData{
		JobID:   e.Job,
		Metrics: e.Metrics,
	}))
}

func (s *Service) applyLog(e events.LogEmitted) {
	line := websocket.LogData{
		JobID:     e.Job,
		Level:     e.Level,
		Component: e.Component,
		Message:   e.Message,
		Timestamp: e.Time.UTC().Format(time.RFC3339Nano),
	}

	s.mu.Lock()
	if e.Job != "" {
		if st, ok := s.active[e.Job]; ok {
			st.logs = append(st.logs, line)
			if len(st.logs) > s.cfg.MaxRecentLogs {
				st.logs = st.logs[len(st.logs)-s.cfg.MaxRecentLogs:]
			}
		}
	}
	s.recentLogs = append(s.recentLogs, line)
	if len(s.recentLogs) > s.cfg.MaxRecentLogs {
		s.recentLogs = s.recentLogs[len(s.recentLogs)-s.cfg.MaxRecentLogs:]
	}
	s.mu.Unlock()

	s.publish(websocket.NewEnvelope(websocket.MsgLog, e.Job, e.Time, line))
}

// persist writes the snapshot through to the repository. Failures are logged,
// not surfaced — the recovery supervisor notices a broken repository through
// its health probe.
func (s *Service) persist(job events.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.Update(ctx, job); err != nil {
		s.logger.Error("failed to persist job state",
			zap.String("job_id", job.ID()),
			zap.Error(err),
		)
	}
}

func (s *Service) persistLogs(jobID string, lines []websocket.LogData) {
	rows := make([]db.JobLog, 0, len(lines))
	for _, l := range lines {
		ts, err := time.Parse(time.RFC3339Nano, l.Timestamp)
		if err != nil {
			ts = s.clock.Now().UTC()
		}
		rows = append(rows, db.JobLog{
			JobID:     jobID,
			Level:     string(l.Level),
			Component: l.Component,
			Message:   l.Message,
			Timestamp: ts,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.BulkCreateLogs(ctx, rows); err != nil {
		s.logger.Error("failed to persist job logs", zap.String("job_id", jobID), zap.Error(err))
	}
}

// publish forwards an envelope to the hub, or to the pending queue while the
// monitor is degraded.
func (s *Service) publish(env websocket.Envelope) {
	if s.degraded.Load() {
		if s.pending.Push(env) {
			if n := s.pending.TakeDropped(); n > 0 {
				s.logger.Warn("degraded-mode pending queue overflow", zap.Int("dropped", n))
			}
		}
		return
	}
	s.hub.Publish(env)
}

// Snapshot builds the subscribe-time snapshot: active jobs plus the recent
// log window.
func (s *Service) Snapshot() websocket.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]events.Job, 0, len(s.active))
	for _, st := range s.active {
		jobs = append(jobs, st.job)
	}
	logs := make([]websocket.LogData, len(s.recentLogs))
	copy(logs, s.recentLogs)
	return websocket.SnapshotData{ActiveJobs: jobs, RecentLogs: logs}
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// GetJob returns the authoritative snapshot for id.
func (s *Service) GetJob(id string) (events.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.active[id]; ok {
		return st.job, nil
	}
	if st, ok := s.completed[id]; ok {
		return st.job, nil
	}
	return events.Job{}, ErrNotFound
}

// ListActive returns snapshots of all non-terminal jobs.
func (s *Service) ListActive() []events.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]events.Job, 0, len(s.active))
	for _, st := range s.active {
		out = append(out, st.job)
	}
	return out
}

// ListByStatus returns snapshots of jobs in the given status.
func (s *Service) ListByStatus(status events.JobStatus) []events.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Job
	for _, st := range s.active {
		if st.job.Status == status {
			out = append(out, st.job)
		}
	}
	for _, st := range s.completed {
		if st.job.Status == status {
			out = append(out, st.job)
		}
	}
	return out
}

// ListByKind returns snapshots of jobs of the given kind.
func (s *Service) ListByKind(kind events.JobKind) []events.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []events.Job
	for _, st := range s.active {
		if st.job.Spec.Kind == kind {
			out = append(out, st.job)
		}
	}
	for _, st := range s.completed {
		if st.job.Spec.Kind == kind {
			out = append(out, st.job)
		}
	}
	return out
}

// GetMetrics returns the current metrics snapshot for id.
func (s *Service) GetMetrics(id string) (events.JobMetrics, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return events.JobMetrics{}, err
	}
	return job.Metrics, nil
}

// GetMetricsHistory returns history samples for id taken at or after since.
func (s *Service) GetMetricsHistory(id string, since time.Time) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.active[id]
	if !ok {
		st, ok = s.completed[id]
	}
	if !ok {
		return nil, ErrNotFound
	}

	var out []Sample
	for _, sample := range st.history {
		if !sample.At.Before(since) {
			out = append(out, sample)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Maintenance sweeps (driven by the cron scheduler in cmd/server)
// -----------------------------------------------------------------------------

// SweepCompleted evicts terminal jobs older than the retention window from
// the in-memory map. The repository record remains. Returns the eviction
// count.
func (s *Service) SweepCompleted() int {
	cutoff := s.clock.Now().Add(-s.cfg.CompletedRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, st := range s.completed {
		if st.job.CompletedAt != nil && st.job.CompletedAt.Before(cutoff) {
			delete(s.completed, id)
			n++
		}
	}
	return n
}

// ScanTimeouts emits a JobTimeout alert for every RUNNING job past the
// threshold, at most once per run.
func (s *Service) ScanTimeouts() {
	now := s.clock.Now()

	s.mu.Lock()
	var causes []events.AlertCause
	for _, st := range s.active {
		if st.job.Status != events.StatusRunning || st.timeoutAlerted || st.job.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*st.job.StartedAt)
		if elapsed > s.cfg.JobTimeoutThreshold {
			st.timeoutAlerted = true
			causes = append(causes, events.JobTimeout{JobID: st.job.ID(), Elapsed: elapsed, Time: now})
		}
	}
	s.mu.Unlock()

	for _, c := range causes {
		timeout := c.(events.JobTimeout)
		s.logger.Warn("job exceeded timeout threshold",
			zap.String("job_id", timeout.JobID),
			zap.Duration("elapsed", timeout.Elapsed),
		)
		s.submitAlert(c)
	}
}

// TrimMetrics drops history samples older than the retention window.
func (s *Service) TrimMetrics() {
	cutoff := s.clock.Now().Add(-s.cfg.MetricsRetention)

	s.mu.Lock()
	defer s.mu.Unlock()

	trim := func(st *jobState) {
		i := 0
		for i < len(st.history) && st.history[i].At.Before(cutoff) {
			i++
		}
		if i > 0 {
			st.history = st.history[i:]
		}
	}
	for _, st := range s.active {
		trim(st)
	}
	for _, st := range s.completed {
		trim(st)
	}
}

// -----------------------------------------------------------------------------
// Health & recovery (called by the recovery supervisor)
// -----------------------------------------------------------------------------

// Name identifies the component to the recovery supervisor.
func (s *Service) Name() string { return "monitor" }

// CheckHealth verifies repository reachability and hub responsiveness.
func (s *Service) CheckHealth(ctx context.Context) error {
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			return fmt.Errorf("repository unreachable: %w", err)
		}
	}
	if !s.hub.Running() {
		return errors.New("broadcast hub not running")
	}
	return nil
}

// EnterDegraded redirects broadcast writes to the pending queue. Event
// ingestion and state updates continue unaffected.
func (s *Service) EnterDegraded() {
	s.degraded.Store(true)
	s.logger.Warn("entering degraded mode, buffering broadcast updates")
}

// AttemptRecover re-runs the health check and, on success, drains the pending
// queue into the hub in order.
func (s *Service) AttemptRecover(ctx context.Context) error {
	if err := s.CheckHealth(ctx); err != nil {
		return err
	}

	s.degraded.Store(false)
	drained := s.pending.Drain()
	for _, env := range drained {
		s.hub.Publish(env)
	}
	if len(drained) > 0 {
		s.logger.Info("recovered, flushed pending broadcast updates", zap.Int("count", len(drained)))
	}
	return nil
}

// Degraded reports whether broadcast writes are currently buffered.
func (s *Service) Degraded() bool { return s.degraded.Load() }

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
