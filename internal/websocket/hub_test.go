package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/queue"
)

// fakeTransport records sent envelopes and can be told to fail.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Envelope
	sendErr error
	closed  bool
}

func (f *fakeTransport) Send(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "test:0" }

func (f *fakeTransport) sentTypes() []MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MessageType, len(f.sent))
	for i, env := range f.sent {
		out[i] = env.Type
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestHub(t *testing.T, cfg Config) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(cfg, clockwork.NewRealClock(), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func statusEnv(jobID string, n int) Envelope {
	return NewEnvelope(MsgJobStatus, jobID, time.Now(), StatusUpdateData{
		JobID:  jobID,
		Status: events.StatusRunning,
	})
}

func TestHubDeliversMatchingMessages(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	all := &fakeTransport{}
	h.Subscribe(ParseFilter("", ""), all, false)

	only1 := &fakeTransport{}
	h.Subscribe(ParseFilter("job-1", ""), only1, false)

	h.Publish(statusEnv("job-1", 0))
	h.Publish(statusEnv("job-2", 1))

	require.Eventually(t, func() bool { return all.sentCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return only1.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	only1.mu.Lock()
	defer only1.mu.Unlock()
	assert.Equal(t, "job-1", only1.sent[0].TargetJobID)
}

func TestHubPreservesPerJobOrder(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	ft := &fakeTransport{}
	h.Subscribe(ParseFilter("", ""), ft, false)

	const n = 50
	for i := 0; i < n; i++ {
		h.Publish(NewEnvelope(MsgJobProgress, "job-1", time.Now(), ProgressData{
			JobID:           "job-1",
			ProgressPercent: float64(i),
			CurrentStep:     fmt.Sprintf("step-%d", i),
		}))
	}

	require.Eventually(t, func() bool { return ft.sentCount() == n }, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, env := range ft.sent {
		data := env.Data.(ProgressData)
		assert.Equal(t, float64(i), data.ProgressPercent)
	}
}

func TestHubSnapshotIsFirstMessage(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	h.SetSnapshotProvider(func() SnapshotData {
		return SnapshotData{
			ActiveJobs: []events.Job{{Spec: events.JobSpec{ID: "job-1"}, Status: events.StatusRunning}},
		}
	})

	ft := &fakeTransport{}
	h.Subscribe(ParseFilter("", ""), ft, true)
	h.Publish(statusEnv("job-1", 0))

	require.Eventually(t, func() bool { return ft.sentCount() == 2 }, time.Second, 5*time.Millisecond)

	types := ft.sentTypes()
	assert.Equal(t, MsgSnapshot, types[0])
	assert.Equal(t, MsgJobStatus, types[1])

	ft.mu.Lock()
	defer ft.mu.Unlock()
	snap := ft.sent[0].Data.(SnapshotData)
	require.Len(t, snap.ActiveJobs, 1)
	assert.Equal(t, "job-1", snap.ActiveJobs[0].ID())
}

// A subscriber whose queue stays full is evicted after the configured number
// of consecutive overflow episodes, and its backlog is marked with a single
// backlog_truncated envelope.
func TestHubEvictsSlowConsumer(t *testing.T) {
	h := NewHub(Config{QueueCapacity: 4, EvictAfterFailures: 3}, clockwork.NewRealClock(), nil, zap.NewNop())

	// Drive enqueue directly so the queue state is deterministic, with no
	// delivery worker draining it.
	ft := &fakeTransport{}
	sub := &subscription{
		id:        "slow",
		filter:    ParseFilter("", ""),
		queue:     queue.NewBounded[Envelope](4),
		transport: ft,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.subs[sub.id] = sub

	evictedAt := -1
	for i := 0; i < 10; i++ {
		if h.enqueue(sub, statusEnv("job-1", i)) {
			evictedAt = i
			break
		}
	}

	// Capacity 4: messages 0-3 fill the queue, 4-6 each overflow, and the
	// third consecutive overflow crosses the threshold.
	assert.Equal(t, 6, evictedAt)

	markers := 0
	for _, env := range sub.queue.Drain() {
		if env.Type == MsgBacklogTruncated {
			markers++
		}
	}
	assert.Equal(t, 1, markers, "exactly one truncation marker per overflow episode")
}

func TestHubEnqueueResetsEpisodesOnRecovery(t *testing.T) {
	h := NewHub(Config{QueueCapacity: 2, EvictAfterFailures: 3}, clockwork.NewRealClock(), nil, zap.NewNop())

	sub := &subscription{
		id:        "s",
		queue:     queue.NewBounded[Envelope](2),
		transport: &fakeTransport{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.subs[sub.id] = sub

	assert.False(t, h.enqueue(sub, statusEnv("j", 0)))
	assert.False(t, h.enqueue(sub, statusEnv("j", 1)))
	assert.False(t, h.enqueue(sub, statusEnv("j", 2))) // overflow episode 1
	assert.Equal(t, 1, sub.fullEpisodes)

	// Consumer catches up.
	sub.queue.Drain()
	sub.markerQueued = false

	assert.False(t, h.enqueue(sub, statusEnv("j", 3)))
	assert.Equal(t, 0, sub.fullEpisodes, "clean enqueue resets the overflow streak")
}

func TestHubEvictsOnTransportError(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	ft := &fakeTransport{sendErr: errors.New("broken pipe")}
	h.Subscribe(ParseFilter("", ""), ft, false)
	require.Equal(t, 1, h.ConnectedCount())

	h.Publish(statusEnv("job-1", 0))

	require.Eventually(t, func() bool { return h.ConnectedCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, ft.isClosed())
}

func TestHubUnsubscribe(t *testing.T) {
	h, _ := newTestHub(t, Config{})

	ft := &fakeTransport{}
	id := h.Subscribe(ParseFilter("", ""), ft, false)
	require.Equal(t, 1, h.ConnectedCount())

	h.Unsubscribe(id, "client disconnect")
	assert.Equal(t, 0, h.ConnectedCount())
	assert.True(t, ft.isClosed())

	// Unknown IDs are ignored.
	h.Unsubscribe("nope", "test")
}

func TestHubShutdownClosesSubscribers(t *testing.T) {
	h, cancel := newTestHub(t, Config{})

	ft := &fakeTransport{}
	h.Subscribe(ParseFilter("", ""), ft, false)

	cancel()
	<-h.stopped

	assert.False(t, h.Running())
	assert.True(t, ft.isClosed())
	assert.Equal(t, 0, h.ConnectedCount())
}
