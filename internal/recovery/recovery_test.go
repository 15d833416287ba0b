package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/retry"
)

// fakeComponent is a controllable Recoverable.
type fakeComponent struct {
	name string

	mu          sync.Mutex
	healthErr   error
	recoverErr  error
	degradedSet int
	recoverSet  int
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) CheckHealth(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthErr
}

func (c *fakeComponent) EnterDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degradedSet++
}

func (c *fakeComponent) AttemptRecover(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoverSet++
	return c.recoverErr
}

func (c *fakeComponent) set(health, recover error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = health
	c.recoverErr = recover
}

type sinkRecorder struct {
	mu     sync.Mutex
	causes []events.AlertCause
}

func (s *sinkRecorder) Submit(cause events.AlertCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.causes = append(s.causes, cause)
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.causes)
}

func TestDegradesAfterConsecutiveFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	comp := &fakeComponent{name: "monitor"}
	sup := New(Config{MaxFailedChecks: 3}, clock, nil, zap.NewNop(), comp)

	ctx := context.Background()
	require.True(t, sup.Healthy())

	comp.set(errors.New("db gone"), errors.New("still gone"))
	sup.RunChecks(ctx)
	sup.RunChecks(ctx)
	assert.True(t, sup.Healthy(), "below the failure threshold")
	assert.Equal(t, 0, comp.degradedSet)

	sup.RunChecks(ctx)
	assert.False(t, sup.Healthy())
	assert.Equal(t, 1, comp.degradedSet, "EnterDegraded fires once per episode")
}

func TestFailedCheckStreakResetsOnSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	comp := &fakeComponent{name: "monitor"}
	sup := New(Config{MaxFailedChecks: 2}, clock, nil, zap.NewNop(), comp)

	ctx := context.Background()
	comp.set(errors.New("flaky"), nil)
	sup.RunChecks(ctx)

	comp.set(nil, nil)
	sup.RunChecks(ctx)

	comp.set(errors.New("flaky"), nil)
	sup.RunChecks(ctx)
	assert.True(t, sup.Healthy(), "a passing probe resets the streak")
}

func TestBackoffGatedRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	comp := &fakeComponent{name: "notifier"}
	sup := New(Config{
		MaxFailedChecks: 1,
		MaxAttempts:     5,
		Backoff:         retry.Backoff{Base: 10 * time.Second, Max: time.Minute, Multiplier: 2},
	}, clock, nil, zap.NewNop(), comp)

	ctx := context.Background()
	comp.set(errors.New("down"), errors.New("still down"))
	sup.RunChecks(ctx)
	require.False(t, sup.Healthy())
	assert.Equal(t, 0, comp.recoverSet)

	// The first attempt waits out the base delay.
	sup.RunChecks(ctx)
	assert.Equal(t, 0, comp.recoverSet)

	clock.Advance(11 * time.Second)
	sup.RunChecks(ctx)
	assert.Equal(t, 1, comp.recoverSet)

	// delay(1) is still the base delay.
	clock.Advance(11 * time.Second)
	sup.RunChecks(ctx)
	assert.Equal(t, 2, comp.recoverSet)

	// delay(2) doubles; a base-delay wait is not enough.
	clock.Advance(11 * time.Second)
	sup.RunChecks(ctx)
	assert.Equal(t, 2, comp.recoverSet)

	clock.Advance(10 * time.Second)
	sup.RunChecks(ctx)
	assert.Equal(t, 3, comp.recoverSet)

	// Recovery succeeds and state resets.
	comp.set(nil, nil)
	clock.Advance(time.Minute)
	sup.RunChecks(ctx)
	assert.True(t, sup.Healthy())

	status := sup.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 0, status[0].Attempts)
	assert.False(t, status[0].Recovering)
}

func TestGivesUpAndRaisesSystemError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	comp := &fakeComponent{name: "notifier"}
	sink := &sinkRecorder{}
	sup := New(Config{
		MaxFailedChecks: 1,
		MaxAttempts:     2,
		Backoff:         retry.Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2},
	}, clock, sink, zap.NewNop(), comp)

	ctx := context.Background()
	comp.set(errors.New("down"), errors.New("still down"))
	sup.RunChecks(ctx)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		sup.RunChecks(ctx)
	}

	assert.Equal(t, 2, comp.recoverSet, "no further attempts after giving up")
	assert.Equal(t, 1, sink.count())
	assert.False(t, sup.Healthy())
}

func TestForceRecoverBypassesGate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	comp := &fakeComponent{name: "monitor"}
	sup := New(Config{
		MaxFailedChecks: 1,
		MaxAttempts:     1,
		Backoff:         retry.Backoff{Base: time.Hour, Max: time.Hour, Multiplier: 2},
	}, clock, nil, zap.NewNop(), comp)

	ctx := context.Background()
	comp.set(errors.New("down"), errors.New("still down"))
	sup.RunChecks(ctx)
	clock.Advance(2 * time.Hour)
	sup.RunChecks(ctx)
	require.False(t, sup.Healthy(), "gave up after one attempt")

	comp.set(nil, nil)
	assert.True(t, sup.ForceRecover(ctx, "monitor"))
	assert.True(t, sup.Healthy())

	assert.False(t, sup.ForceRecover(ctx, "unknown"))
}
