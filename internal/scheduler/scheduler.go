// Package scheduler accepts job specs, owns the ready queue and the worker
// pool, and executes jobs through a pluggable Runner. Lifecycle, progress,
// metrics, and log events are emitted to the monitor; the scheduler itself
// keeps no authoritative job state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/metrics"
	"github.com/floworc/floworc/internal/repositories"
	"github.com/floworc/floworc/internal/retry"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// ErrInvalidSpec wraps spec validation failures from Schedule.
var ErrInvalidSpec = errors.New("invalid job spec")

// Monitor is the authoritative-state surface the scheduler reports into.
// Satisfied by *monitor.Service.
type Monitor interface {
	Register(ctx context.Context, job events.Job) error
	HandleEvent(ev events.Event)
	GetJob(id string) (events.Job, error)
}

// Config holds the scheduler tunables. Zero fields take the defaults below.
type Config struct {
	// Workers is the worker pool size.
	Workers int

	// ShutdownGrace is how long Stop waits for in-flight jobs before
	// cancelling them.
	ShutdownGrace time.Duration

	// ReadyBuffer is the capacity of the dispatcher-to-workers channel.
	ReadyBuffer int

	// PollInterval is the dispatcher's ready-queue check period.
	PollInterval time.Duration
}

const (
	DefaultShutdownGrace = 30 * time.Second
	DefaultReadyBuffer   = 64
	DefaultPollInterval  = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ReadyBuffer <= 0 {
		c.ReadyBuffer = DefaultReadyBuffer
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// cancelToken signals a scheduled or running job to stop. Workers poll it at
// checkpoints; firing it is idempotent.
type cancelToken struct {
	ch   chan struct{}
	once sync.Once
}

func newCancelToken() *cancelToken { return &cancelToken{ch: make(chan struct{})} }

func (t *cancelToken) fire() { t.once.Do(func() { close(t.ch) }) }

func (t *cancelToken) fired() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Scheduler owns the waiting queue and the worker pool. Create with New,
// start with Start, and shut down with Stop.
type Scheduler struct {
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	mon    Monitor
	repo   repositories.JobRepository
	runner Runner

	// waiting orders specs by scheduledAt; the dispatcher moves due specs
	// into ready.
	waiting *retry.Queue[events.JobSpec]
	ready   chan events.JobSpec

	mu      sync.Mutex
	tokens  map[string]*cancelToken
	stopped bool

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	jobCtx         context.Context
	jobCancel      context.CancelFunc

	dispatchWG sync.WaitGroup
	workerWG   sync.WaitGroup
	started    atomic.Bool
}

// New creates an idle Scheduler.
func New(cfg Config, clock clockwork.Clock, mon Monitor, repo repositories.JobRepository, runner Runner, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.Named("scheduler"),
		mon:     mon,
		repo:    repo,
		runner:  runner,
		waiting: retry.NewQueue[events.JobSpec](),
		ready:   make(chan events.JobSpec, cfg.ReadyBuffer),
		tokens:  make(map[string]*cancelToken),
	}
	s.dispatchCtx, s.dispatchCancel = context.WithCancel(context.Background())
	s.jobCtx, s.jobCancel = context.WithCancel(context.Background())
	return s
}

// Start launches the dispatcher and the worker pool. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.dispatchWG.Add(1)
	go s.dispatch()

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}

	s.logger.Info("scheduler started", zap.Int("workers", s.cfg.Workers))
}

// Stop stops intake, waits up to ShutdownGrace for in-flight jobs, then
// cancels the remainder and waits for the pool to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if !s.started.Load() {
		return
	}

	s.dispatchCancel()
	s.dispatchWG.Wait()
	close(s.ready)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-s.clock.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed, cancelling in-flight jobs")
		s.jobCancel()
		<-done
	}
	s.jobCancel()
	s.logger.Info("scheduler stopped")
}

// Schedule validates and accepts a spec, assigns an ID when absent, persists
// the Pending job, and queues it for execution at spec.ScheduledAt.
func (s *Scheduler) Schedule(ctx context.Context, spec events.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if spec.ScheduledAt.IsZero() {
		spec.ScheduledAt = now
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.tokens[spec.ID] = newCancelToken()
	s.mu.Unlock()

	job := events.Job{
		Spec:      spec,
		Status:    events.StatusPending,
		CreatedAt: now,
	}
	if err := s.mon.Register(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.tokens, spec.ID)
		s.mu.Unlock()
		return "", err
	}

	s.waiting.PushAt(spec, spec.ScheduledAt)
	s.logger.Info("job scheduled",
		zap.String("job_id", spec.ID),
		zap.String("kind", string(spec.Kind)),
		zap.Time("scheduled_at", spec.ScheduledAt),
		zap.Bool("recurring", spec.Recurring),
	)
	return spec.ID, nil
}

// Cancel requests cancellation. Pending jobs are cancelled immediately;
// Running jobs are signalled and stop at their next checkpoint. Returns false
// for unknown or already-terminal jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	tok, ok := s.tokens[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	job, err := s.mon.GetJob(jobID)
	if err != nil || job.Status.Terminal() {
		return false
	}

	tok.fire()

	// A Pending job has no worker to observe the token, so the transition
	// is emitted here. The dispatcher and workers skip fired tokens.
	if job.Status == events.StatusPending {
		s.mon.HandleEvent(events.StatusChanged{
			Job:  jobID,
			From: events.StatusPending,
			To:   events.StatusCancelled,
			Time: s.clock.Now(),
		})
		s.releaseToken(jobID)
	}
	return true
}

// GetJob reads a job through the repository.
func (s *Scheduler) GetJob(ctx context.Context, id string) (events.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// ListJobs reads jobs through the repository.
func (s *Scheduler) ListJobs(ctx context.Context, filter repositories.ListFilter) ([]events.Job, int64, error) {
	return s.repo.List(ctx, filter)
}

func (s *Scheduler) releaseToken(jobID string) {
	s.mu.Lock()
	delete(s.tokens, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) token(jobID string) (*cancelToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[jobID]
	return tok, ok
}

// dispatch moves due specs from the waiting queue into the ready channel.
func (s *Scheduler) dispatch() {
	defer s.dispatchWG.Done()

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if !s.dispatchReady() {
				return
			}
		case <-s.dispatchCtx.Done():
			return
		}
	}
}

// dispatchReady pushes all due specs to the workers. Returns false when the
// scheduler shut down mid-push.
func (s *Scheduler) dispatchReady() bool {
	for _, spec := range s.waiting.PopReady(s.clock.Now()) {
		select {
		case s.ready <- spec:
		case <-s.dispatchCtx.Done():
			return false
		}
	}
	return true
}

func (s *Scheduler) worker() {
	defer s.workerWG.Done()

	for spec := range s.ready {
		s.execute(spec)
	}
}

// execute runs one job to a terminal state and handles recurrence.
func (s *Scheduler) execute(spec events.JobSpec) {
	tok, ok := s.token(spec.ID)
	if !ok || tok.fired() {
		// Cancelled while waiting; the transition was already emitted.
		return
	}

	s.mon.HandleEvent(events.StatusChanged{
		Job:  spec.ID,
		From: events.StatusPending,
		To:   events.StatusRunning,
		Time: s.clock.Now(),
	})
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	runCtx, cancel := context.WithCancel(s.jobCtx)
	go func() {
		select {
		case <-tok.ch:
			cancel()
		case <-runCtx.Done():
		}
	}()

	reporter := &Reporter{jobID: spec.ID, clock: s.clock, emit: s.mon.HandleEvent}
	result, err := s.runner.Run(runCtx, spec, reporter)
	cancel()
	s.releaseToken(spec.ID)

	now := s.clock.Now()
	var terminal events.JobStatus
	switch {
	case errors.Is(err, context.Canceled) || tok.fired():
		terminal = events.StatusCancelled
		s.mon.HandleEvent(events.StatusChanged{
			Job: spec.ID, From: events.StatusRunning, To: events.StatusCancelled, Time: now,
		})
	case err != nil:
		terminal = events.StatusFailed
		s.logger.Error("job failed", zap.String("job_id", spec.ID), zap.Error(err))
		s.mon.HandleEvent(events.StatusChanged{
			Job: spec.ID, From: events.StatusRunning, To: events.StatusFailed, Err: err.Error(), Time: now,
		})
	default:
		terminal = events.StatusCompleted
		s.mon.HandleEvent(events.MetricsUpdated{Job: spec.ID, Metrics: result, Time: now})
		s.mon.HandleEvent(events.StatusChanged{
			Job: spec.ID, From: events.StatusRunning, To: events.StatusCompleted, Time: now,
		})
	}

	if spec.Recurring && terminal != events.StatusCancelled {
		s.scheduleSuccessor(spec)
	}
}

// scheduleSuccessor enqueues the next instance of a recurring job. The next
// scheduledAt is the least anchor strictly after now in the arithmetic
// progression starting at the previous scheduledAt, so missed intervals are
// skipped rather than backfilled.
func (s *Scheduler) scheduleSuccessor(prev events.JobSpec) {
	next := prev
	next.ID = uuid.NewString()
	next.ScheduledAt = nextOccurrence(prev.ScheduledAt, prev.RecurrenceInterval, s.clock.Now())

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if _, err := s.Schedule(ctx, next); err != nil {
		if !errors.Is(err, ErrStopped) {
			s.logger.Error("failed to schedule recurring successor",
				zap.String("previous_job_id", prev.ID),
				zap.Error(err),
			)
		}
		return
	}
	s.logger.Info("recurring successor scheduled",
		zap.String("previous_job_id", prev.ID),
		zap.String("job_id", next.ID),
		zap.Time("scheduled_at", next.ScheduledAt),
	)
}

// nextOccurrence returns the least anchor + k*interval strictly after now.
func nextOccurrence(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	if anchor.After(now) {
		return anchor
	}
	k := now.Sub(anchor)/interval + 1
	return anchor.Add(time.Duration(k) * interval)
}
