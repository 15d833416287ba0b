package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/breaker"
	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/retry"
)

// fakeChannel is a controllable delivery channel.
type fakeChannel struct {
	id         ChannelID
	configured bool

	mu       sync.Mutex
	fail     bool
	attempts int
}

func (c *fakeChannel) ID() ChannelID    { return c.id }
func (c *fakeChannel) Configured() bool { return c.configured }

func (c *fakeChannel) Deliver(_ context.Context, _ *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.fail {
		return ErrSendFailed
	}
	return nil
}

func (c *fakeChannel) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeChannel) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func failure(id string) events.JobFailure {
	return events.JobFailure{JobID: id, Err: "boom", Time: time.Now()}
}

func TestDeliversViaLogFallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(Config{}, clock, zap.NewNop(),
		newWebhookChannel(WebhookConfig{}), // unconfigured
		newEmailChannel(SMTPConfig{}),      // unconfigured
		newLogChannel(zap.NewNop()),
	)

	svc.Submit(failure("j2"))
	svc.drainPending(context.Background())

	delivered := svc.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, ChannelLog, delivered[0].Channel)
	assert.Equal(t, "job_failure", delivered[0].Message.Kind)
	assert.Equal(t, PriorityHigh, delivered[0].Message.Priority)
}

func TestWebhookBreakerLifecycle(t *testing.T) {
	clock := clockwork.NewRealClock()
	webhook := &fakeChannel{id: ChannelWebhook, configured: true, fail: true}

	svc := New(Config{
		Breaker: breaker.Config{
			FailureThreshold: 3,
			Timeout:          50 * time.Millisecond,
			SuccessThreshold: 2,
		},
	}, clock, zap.NewNop(), webhook, newLogChannel(zap.NewNop()))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		svc.Submit(failure("j1"))
		svc.drainPending(ctx)
	}

	// The first three submissions attempt the webhook; after that the
	// breaker is open and the webhook is skipped. Every message still
	// succeeds via the log fallback.
	assert.Equal(t, 3, webhook.attemptCount())
	assert.Len(t, svc.Delivered(), 10)
	state, ok := svc.ChannelState(ChannelWebhook)
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, state)

	// After the timeout a half-open probe is admitted; it fails and the
	// breaker reopens.
	time.Sleep(60 * time.Millisecond)
	svc.Submit(failure("j1"))
	svc.drainPending(ctx)
	assert.Equal(t, 4, webhook.attemptCount())
	state, _ = svc.ChannelState(ChannelWebhook)
	assert.Equal(t, breaker.StateOpen, state)

	// Once the webhook is healthy, two half-open successes close it.
	webhook.setFail(false)
	time.Sleep(60 * time.Millisecond)
	svc.Submit(failure("j1"))
	svc.drainPending(ctx)
	svc.Submit(failure("j1"))
	svc.drainPending(ctx)
	state, _ = svc.ChannelState(ChannelWebhook)
	assert.Equal(t, breaker.StateClosed, state)
}

func TestResourcePressureCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(Config{ResourceAlertCooldown: time.Minute}, clock, zap.NewNop(),
		newLogChannel(zap.NewNop()))

	pressure := events.ResourcePressure{
		Kind: events.ResourceMemory, Current: 95, Threshold: 90, Unit: "%", Time: clock.Now(),
	}
	svc.Submit(pressure)
	svc.Submit(pressure)
	assert.Equal(t, 1, svc.PendingLen(), "same kind within cooldown is suppressed")

	// A different kind is not affected by the memory cooldown.
	svc.Submit(events.ResourcePressure{
		Kind: events.ResourceDisk, Current: 95, Threshold: 90, Unit: "%", Time: clock.Now(),
	})
	assert.Equal(t, 2, svc.PendingLen())

	clock.Advance(2 * time.Minute)
	svc.Submit(pressure)
	assert.Equal(t, 3, svc.PendingLen(), "cooldown expired")
}

func TestRetryThenDropWithSystemError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	webhook := &fakeChannel{id: ChannelWebhook, configured: true, fail: true}

	// No log fallback: every round fails, exercising the retry path.
	svc := New(Config{
		MaxAttempts: 2,
		Backoff:     retry.Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2},
		Breaker:     breaker.Config{FailureThreshold: 100},
	}, clock, zap.NewNop(), webhook)

	ctx := context.Background()
	svc.Submit(failure("j1"))
	svc.drainPending(ctx)

	assert.Equal(t, 1, svc.RetryLen(), "first failed round schedules a retry")
	assert.Empty(t, svc.Delivered())

	clock.Advance(2 * time.Second)
	svc.promoteRetries()
	svc.drainPending(ctx)

	// Second round exhausts MaxAttempts: the message is dropped and an
	// internal SystemError takes its place. That message also fails its
	// first round within the same drain and lands in the retry queue.
	assert.Equal(t, 0, svc.PendingLen())
	require.Equal(t, 1, svc.RetryLen())

	clock.Advance(2 * time.Second)
	svc.promoteRetries()
	msg, ok := svc.pending.Pop()
	require.True(t, ok)
	assert.Equal(t, "system_error", msg.Kind)
	assert.Equal(t, PriorityCritical, msg.Priority)
}

func TestPendingQueueRejectsWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(Config{QueueCapacity: 2}, clock, zap.NewNop(), newLogChannel(zap.NewNop()))

	svc.Submit(failure("a"))
	svc.Submit(failure("b"))
	svc.Submit(failure("c"))
	assert.Equal(t, 2, svc.PendingLen(), "overflow submissions are rejected, not queued")
}

func TestDegradedModeSuspendsDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(Config{
		Backoff: retry.Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2},
	}, clock, zap.NewNop(), newLogChannel(zap.NewNop()))

	svc.EnterDegraded()
	require.True(t, svc.Degraded())

	ctx := context.Background()
	svc.Submit(failure("j1"))
	svc.drainPending(ctx)

	assert.Empty(t, svc.Delivered(), "no delivery while degraded")
	assert.Equal(t, 1, svc.RetryLen(), "messages accumulate in the retry queue")

	require.NoError(t, svc.AttemptRecover(ctx))
	clock.Advance(2 * time.Second)
	svc.promoteRetries()
	svc.drainPending(ctx)

	require.Len(t, svc.Delivered(), 1)
	assert.Equal(t, ChannelLog, svc.Delivered()[0].Channel)
}

func TestTestModeShortCircuitsDelivery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	webhook := &fakeChannel{id: ChannelWebhook, configured: true, fail: true}
	svc := New(Config{TestMode: true}, clock, zap.NewNop(), webhook, newLogChannel(zap.NewNop()))

	svc.Submit(failure("j1"))
	svc.drainPending(context.Background())

	delivered := svc.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, ChannelWebhook, delivered[0].Channel, "test mode succeeds on the first routed channel")
	assert.Equal(t, 0, webhook.attemptCount(), "the real adapter is never invoked")
}

func TestResourceMonitors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(Config{
		Thresholds: Thresholds{MemoryPercent: 80, CPUPercent: 80, DiskPercent: 80, ConnectionsRatio: 0.5},
	}, clock, zap.NewNop(), newLogChannel(zap.NewNop()))

	svc.CheckMemory(50)
	assert.Equal(t, 0, svc.PendingLen())

	svc.CheckMemory(85)
	assert.Equal(t, 1, svc.PendingLen())

	svc.CheckConnections(6, 10)
	assert.Equal(t, 2, svc.PendingLen())

	svc.CheckConnections(2, 10)
	assert.Equal(t, 2, svc.PendingLen())
}
