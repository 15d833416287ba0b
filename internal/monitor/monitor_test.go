package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/repositories"
	"github.com/floworc/floworc/internal/websocket"
)

// memJobRepository is an in-memory JobRepository for tests.
type memJobRepository struct {
	mu   sync.Mutex
	jobs map[string]events.Job
	logs map[string][]db.JobLog
}

func newMemJobRepository() *memJobRepository {
	return &memJobRepository{
		jobs: make(map[string]events.Job),
		logs: make(map[string][]db.JobLog),
	}
}

func (r *memJobRepository) Create(_ context.Context, job events.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID()]; ok {
		return repositories.ErrConflict
	}
	r.jobs[job.ID()] = job
	return nil
}

func (r *memJobRepository) Update(_ context.Context, job events.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID()]; !ok {
		return repositories.ErrNotFound
	}
	r.jobs[job.ID()] = job
	return nil
}

func (r *memJobRepository) GetByID(_ context.Context, id string) (events.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return events.Job{}, repositories.ErrNotFound
	}
	return job, nil
}

func (r *memJobRepository) List(_ context.Context, _ repositories.ListFilter) ([]events.Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	return out, int64(len(out)), nil
}

func (r *memJobRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	delete(r.logs, id)
	return nil
}

func (r *memJobRepository) BulkCreateLogs(_ context.Context, logs []db.JobLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range logs {
		r.logs[l.JobID] = append(r.logs[l.JobID], l)
	}
	return nil
}

func (r *memJobRepository) GetLogs(_ context.Context, jobID string) ([]db.JobLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[jobID], nil
}

func (r *memJobRepository) stored(id string) events.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// memBroadcaster records published envelopes.
type memBroadcaster struct {
	mu   sync.Mutex
	sent []websocket.Envelope
}

func (b *memBroadcaster) Publish(env websocket.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
	return true
}

func (b *memBroadcaster) Running() bool { return true }

func (b *memBroadcaster) envelopes() []websocket.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]websocket.Envelope, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *memBroadcaster) ofType(t websocket.MessageType) []websocket.Envelope {
	var out []websocket.Envelope
	for _, env := range b.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// memAlertSink records submitted alert causes.
type memAlertSink struct {
	mu     sync.Mutex
	causes []events.AlertCause
}

func (a *memAlertSink) Submit(cause events.AlertCause) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.causes = append(a.causes, cause)
}

func (a *memAlertSink) all() []events.AlertCause {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]events.AlertCause, len(a.causes))
	copy(out, a.causes)
	return out
}

type fixture struct {
	svc    *Service
	repo   *memJobRepository
	hub    *memBroadcaster
	alerts *memAlertSink
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newMemJobRepository(),
		hub:    &memBroadcaster{},
		alerts: &memAlertSink{},
		clock:  clockwork.NewFakeClock(),
	}
	f.svc = New(cfg, f.clock, f.repo, nil, f.hub, zap.NewNop())
	f.svc.SetAlertSink(f.alerts)
	return f
}

func (f *fixture) register(t *testing.T, id string, kind events.JobKind) {
	t.Helper()
	job := events.Job{
		Spec: events.JobSpec{
			ID:          id,
			Kind:        kind,
			ScheduledAt: f.clock.Now(),
		},
		Status:    events.StatusPending,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.svc.Register(context.Background(), job))
}

func (f *fixture) transition(id string, from, to events.JobStatus, errMsg string) {
	f.svc.apply(events.StatusChanged{Job: id, From: from, To: to, Err: errMsg, Time: f.clock.Now()})
}

func TestLifecycleHappyPath(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "j1", events.KindFullETL)

	f.transition("j1", events.StatusPending, events.StatusRunning, "")

	steps := []struct {
		pct  float64
		step string
	}{
		{10, "Extracting"}, {50, "Transforming"}, {80, "Loading"}, {100, "Done"},
	}
	for _, s := range steps {
		f.svc.apply(events.Progress{Job: "j1", Percent: s.pct, Step: s.step, Time: f.clock.Now()})
	}
	f.svc.apply(events.MetricsUpdated{Job: "j1", Metrics: events.JobMetrics{
		Records: events.RecordCounts{Processed: 100, Successful: 100},
	}, Time: f.clock.Now()})
	f.transition("j1", events.StatusRunning, events.StatusCompleted, "")

	job, err := f.svc.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, events.StatusCompleted, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, float64(100), job.ProgressPercent)

	// Every step change broadcasts, and both transitions do.
	got := f.hub.envelopes()
	var types []websocket.MessageType
	for _, env := range got {
		types = append(types, env.Type)
	}
	assert.Equal(t, []websocket.MessageType{
		websocket.MsgJobStatus,
		websocket.MsgJobProgress, websocket.MsgJobProgress,
		websocket.MsgJobProgress, websocket.MsgJobProgress,
		websocket.MsgJobMetrics,
		websocket.MsgJobStatus,
	}, types)

	// Terminal state is written through.
	assert.Equal(t, events.StatusCompleted, f.repo.stored("j1").Status)
	assert.Empty(t, f.alerts.all())
}

func TestIllegalTransitionRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "j1", events.KindExtract)

	f.transition("j1", events.StatusPending, events.StatusRunning, "")
	f.transition("j1", events.StatusRunning, events.StatusCompleted, "")

	// Completed is terminal; a late RUNNING event must not resurrect it.
	f.transition("j1", events.StatusCompleted, events.StatusRunning, "")

	job, err := f.svc.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, events.StatusCompleted, job.Status)
}

func TestProgressCoalescing(t *testing.T) {
	f := newFixture(t, Config{ProgressThreshold: 5})
	f.register(t, "j3", events.KindTransform)
	f.transition("j3", events.StatusPending, events.StatusRunning, "")

	for _, pct := range []float64{1, 2, 3, 4, 5, 6, 7, 100} {
		f.svc.apply(events.Progress{Job: "j3", Percent: pct, Time: f.clock.Now()})
	}

	progress := f.hub.ofType(websocket.MsgJobProgress)
	require.Len(t, progress, 2)

	pcts := make([]float64, len(progress))
	for i, env := range progress {
		pcts[i] = env.Data.(websocket.ProgressData).ProgressPercent
	}
	assert.Equal(t, []float64{5, 100}, pcts)

	job, err := f.svc.GetJob("j3")
	require.NoError(t, err)
	assert.Equal(t, float64(100), job.ProgressPercent)
}

func TestFailureEmitsAlert(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "j2", events.KindExtract)
	f.transition("j2", events.StatusPending, events.StatusRunning, "")
	f.transition("j2", events.StatusRunning, events.StatusFailed, "DB down")

	job, err := f.svc.GetJob("j2")
	require.NoError(t, err)
	assert.Equal(t, events.StatusFailed, job.Status)
	assert.Equal(t, "DB down", job.LastError)

	causes := f.alerts.all()
	require.Len(t, causes, 1)
	failure, ok := causes[0].(events.JobFailure)
	require.True(t, ok)
	assert.Equal(t, "j2", failure.JobID)
	assert.Equal(t, "DB down", failure.Err)
}

func TestTimeoutAlertIsSticky(t *testing.T) {
	f := newFixture(t, Config{JobTimeoutThreshold: time.Minute})
	f.register(t, "j1", events.KindLoad)
	f.transition("j1", events.StatusPending, events.StatusRunning, "")

	f.svc.ScanTimeouts()
	assert.Empty(t, f.alerts.all(), "no alert before the threshold")

	f.clock.Advance(2 * time.Minute)
	f.svc.ScanTimeouts()
	f.svc.ScanTimeouts()

	causes := f.alerts.all()
	require.Len(t, causes, 1, "one timeout alert per run")
	timeout, ok := causes[0].(events.JobTimeout)
	require.True(t, ok)
	assert.Equal(t, "j1", timeout.JobID)
	assert.GreaterOrEqual(t, timeout.Elapsed, 2*time.Minute)
}

func TestSweepCompleted(t *testing.T) {
	f := newFixture(t, Config{CompletedRetention: time.Hour})
	f.register(t, "old", events.KindExtract)
	f.transition("old", events.StatusPending, events.StatusRunning, "")
	f.transition("old", events.StatusRunning, events.StatusCompleted, "")

	f.clock.Advance(2 * time.Hour)
	f.register(t, "fresh", events.KindExtract)
	f.transition("fresh", events.StatusPending, events.StatusCancelled, "")

	assert.Equal(t, 1, f.svc.SweepCompleted())

	_, err := f.svc.GetJob("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetJob("fresh")
	assert.NoError(t, err)
}

func TestMetricsHistoryAndTrim(t *testing.T) {
	f := newFixture(t, Config{MetricsHistorySize: 3, MetricsRetention: time.Hour})
	f.register(t, "j1", events.KindFullETL)
	f.transition("j1", events.StatusPending, events.StatusRunning, "")

	for i := 1; i <= 5; i++ {
		f.svc.apply(events.MetricsUpdated{Job: "j1", Metrics: events.JobMetrics{
			Records: events.RecordCounts{Processed: int64(i)},
		}, Time: f.clock.Now()})
		f.clock.Advance(time.Minute)
	}

	history, err := f.svc.GetMetricsHistory("j1", time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3, "size cap keeps the newest entries")
	assert.Equal(t, int64(5), history[2].Metrics.Records.Processed)

	f.clock.Advance(2 * time.Hour)
	f.svc.TrimMetrics()
	history, err = f.svc.GetMetricsHistory("j1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAggregationIgnoresZeroRates(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		f.register(t, id, events.KindExtract)
		f.transition(id, events.StatusPending, events.StatusRunning, "")
	}

	f.svc.apply(events.MetricsUpdated{Job: "a", Metrics: events.JobMetrics{
		Records:        events.RecordCounts{Processed: 10, Successful: 10},
		ProcessingRate: 100,
		BytesIn:        1000,
	}, Time: f.clock.Now()})
	f.svc.apply(events.MetricsUpdated{Job: "b", Metrics: events.JobMetrics{
		Records:         events.RecordCounts{Processed: 20, Successful: 18, Failed: 2},
		ProcessingRate:  200,
		BytesIn:         2000,
		ErrorRate:       0.1,
		PeakMemoryBytes: 512,
	}, Time: f.clock.Now()})
	// Job c never produced a rate sample; it must not drag the average down.

	agg := f.svc.GetAggregated(AggregateFilter{Kind: events.KindExtract})
	assert.Equal(t, 3, agg.Jobs)
	assert.Equal(t, int64(30), agg.Records.Processed)
	assert.Equal(t, int64(3000), agg.BytesIn)
	assert.Equal(t, float64(150), agg.AvgProcessingRate)
	assert.Equal(t, 0.1, agg.AvgErrorRate)
	assert.Equal(t, int64(512), agg.PeakMemoryBytes)
}

func TestDegradedModeBuffersBroadcasts(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "j1", events.KindExtract)

	f.svc.EnterDegraded()
	require.True(t, f.svc.Degraded())

	f.transition("j1", events.StatusPending, events.StatusRunning, "")
	assert.Empty(t, f.hub.envelopes(), "degraded mode must not reach the hub")

	// State updates continue while degraded.
	job, err := f.svc.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, events.StatusRunning, job.Status)

	require.NoError(t, f.svc.AttemptRecover(context.Background()))
	assert.False(t, f.svc.Degraded())

	envs := f.hub.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, websocket.MsgJobStatus, envs[0].Type)
}

func TestSnapshotContainsActiveJobsAndLogs(t *testing.T) {
	f := newFixture(t, Config{MaxRecentLogs: 2})
	f.register(t, "j1", events.KindExtract)
	f.transition("j1", events.StatusPending, events.StatusRunning, "")

	for _, msg := range []string{"one", "two", "three"} {
		f.svc.apply(events.LogEmitted{
			Job: "j1", Level: events.LevelInfo, Component: "etl", Message: msg, Time: f.clock.Now(),
		})
	}

	snap := f.svc.Snapshot()
	require.Len(t, snap.ActiveJobs, 1)
	assert.Equal(t, "j1", snap.ActiveJobs[0].ID())
	require.Len(t, snap.RecentLogs, 2, "log window is bounded")
	assert.Equal(t, "two", snap.RecentLogs[0].Message)
	assert.Equal(t, "three", snap.RecentLogs[1].Message)
}

func TestRegisterDuplicateID(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "dup", events.KindExtract)

	err := f.svc.Register(context.Background(), events.Job{
		Spec:   events.JobSpec{ID: "dup", Kind: events.KindExtract},
		Status: events.StatusPending,
	})
	assert.ErrorIs(t, err, repositories.ErrConflict)
}
