// Package notification implements the alerting pipeline: alert causes are
// classified into prioritised messages, routed through delivery channels with
// per-channel circuit breakers, retried with exponential backoff, and
// de-duplicated where the cause is inherently repetitive.
//
// The log channel is always configured and never fails, so every message that
// is accepted is eventually delivered somewhere unless it exhausts its
// attempts while the log channel itself is breaker-gated, which cannot happen
// in practice.
package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/breaker"
	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/metrics"
	"github.com/floworc/floworc/internal/queue"
	"github.com/floworc/floworc/internal/retry"
)

// retryTick is how often the retry queue is checked for due messages.
const retryTick = time.Second

// Config holds the notifier tunables. Zero fields take the defaults below.
type Config struct {
	// MaxAttempts is the number of all-channels-failed delivery rounds
	// before a message is dropped.
	MaxAttempts int

	// Backoff computes the delay between delivery rounds.
	Backoff retry.Backoff

	// QueueCapacity bounds the pending queue. New submissions are rejected
	// with a warning while it is full.
	QueueCapacity int

	// ResourceAlertCooldown suppresses repeat ResourcePressure causes of
	// the same kind within the window.
	ResourceAlertCooldown time.Duration

	// AttemptTimeout bounds one delivery attempt on one channel.
	AttemptTimeout time.Duration

	// Breaker configures every per-channel circuit breaker.
	Breaker breaker.Config

	// Thresholds configure the resource monitors.
	Thresholds Thresholds

	// TestMode short-circuits channel delivery to success. Messages still
	// travel through the queues and are recorded for inspection.
	TestMode bool
}

const (
	DefaultMaxAttempts           = 3
	DefaultQueueCapacity         = 100
	DefaultResourceAlertCooldown = 5 * time.Minute
	DefaultAttemptTimeout        = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ResourceAlertCooldown <= 0 {
		c.ResourceAlertCooldown = DefaultResourceAlertCooldown
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	c.Thresholds = c.Thresholds.withDefaults()
	return c
}

// Delivery records one successful hand-off to a channel, kept in a bounded
// in-memory window for tests and the debug API.
type Delivery struct {
	Message *Message
	Channel ChannelID
	At      time.Time
}

const deliveredWindow = 128

// Service is the notification pipeline. Create with New, start with Run.
// Submit never blocks and is safe from any goroutine.
type Service struct {
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger

	channels map[ChannelID]Channel
	breakers map[ChannelID]*breaker.Breaker

	pending *queue.Bounded[*Message]
	wake    chan struct{}
	retries *retry.Queue[*Message]

	resourceMu   sync.Mutex
	lastResource map[events.ResourceKind]time.Time

	deliveredMu sync.Mutex
	delivered   []Delivery

	degraded atomic.Bool
	running  atomic.Bool
}

// New creates the service with the given delivery channels. Each channel gets
// its own circuit breaker from cfg.Breaker.
func New(cfg Config, clock clockwork.Clock, logger *zap.Logger, channels ...Channel) *Service {
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:          cfg,
		clock:        clock,
		logger:       logger.Named("notifier"),
		channels:     make(map[ChannelID]Channel, len(channels)),
		breakers:     make(map[ChannelID]*breaker.Breaker, len(channels)),
		pending:      queue.NewBounded[*Message](cfg.QueueCapacity),
		wake:         make(chan struct{}, 1),
		retries:      retry.NewQueue[*Message](),
		lastResource: make(map[events.ResourceKind]time.Time),
	}
	for _, ch := range channels {
		s.channels[ch.ID()] = ch
		s.breakers[ch.ID()] = breaker.New("notify-"+string(ch.ID()), cfg.Breaker)
	}
	return s
}

// DefaultChannels builds the standard channel set: webhook, email, and the
// always-available log fallback.
func DefaultChannels(logger *zap.Logger, smtp SMTPConfig, webhook WebhookConfig) []Channel {
	return []Channel{
		newWebhookChannel(webhook),
		newEmailChannel(smtp),
		newLogChannel(logger),
	}
}

// Submit accepts an alert cause. ResourcePressure causes of a kind alerted
// within the cooldown window are suppressed. The pending queue rejects new
// submissions while full; acceptance never blocks the caller.
func (s *Service) Submit(cause events.AlertCause) {
	now := s.clock.Now()

	if rp, ok := cause.(events.ResourcePressure); ok && s.suppressed(rp.Kind, now) {
		return
	}

	msg := buildMessage(cause, now)
	if s.pending.Len() >= s.pending.Cap() {
		s.logger.Warn("pending queue full, dropping notification",
			zap.String("kind", msg.Kind),
			zap.String("priority", string(msg.Priority)),
		)
		metrics.NotificationsTotal.WithLabelValues("none", "rejected").Inc()
		return
	}

	s.pending.Push(msg)
	s.signal()
}

func (s *Service) suppressed(kind events.ResourceKind, now time.Time) bool {
	s.resourceMu.Lock()
	defer s.resourceMu.Unlock()

	if last, ok := s.lastResource[kind]; ok && now.Sub(last) < s.cfg.ResourceAlertCooldown {
		return true
	}
	s.lastResource[kind] = now
	return false
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the processing and retry loops until ctx is cancelled. Must be
// called exactly once, in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := s.clock.NewTicker(retryTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.drainPending(ctx)
		case <-ticker.Chan():
			s.promoteRetries()
			s.drainPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Running reports whether the processing loop is active.
func (s *Service) Running() bool { return s.running.Load() }

// promoteRetries moves due messages from the retry heap into the pending
// queue, in due-time order.
func (s *Service) promoteRetries() {
	for _, msg := range s.retries.PopReady(s.clock.Now()) {
		s.pending.Push(msg)
	}
	metrics.RetryQueueDepth.Set(float64(s.retries.Len()))
}

func (s *Service) drainPending(ctx context.Context) {
	for {
		msg, ok := s.pending.Pop()
		if !ok {
			return
		}
		s.process(ctx, msg)
	}
}

// process runs one delivery round: channels are tried in route order until
// one accepts the message. An all-failed round schedules a retry or, past
// MaxAttempts, drops the message and raises an internal SystemError.
func (s *Service) process(ctx context.Context, msg *Message) {
	now := s.clock.Now()

	if s.degraded.Load() {
		s.retries.PushAt(msg, now.Add(s.cfg.Backoff.Delay(1)))
		metrics.RetryQueueDepth.Set(float64(s.retries.Len()))
		return
	}

	for _, id := range msg.Channels {
		ch, ok := s.channels[id]
		if !ok || !ch.Configured() {
			continue
		}

		br := s.breakers[id]
		done, allowed := br.Allow()
		if !allowed {
			metrics.NotificationsTotal.WithLabelValues(string(id), "skipped").Inc()
			continue
		}

		err := s.attempt(ctx, ch, msg)
		done(err == nil)

		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(id), "failure").Inc()
			s.logger.Warn("channel delivery failed",
				zap.String("channel", string(id)),
				zap.String("kind", msg.Kind),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err),
			)
			continue
		}

		metrics.NotificationsTotal.WithLabelValues(string(id), "success").Inc()
		s.recordDelivery(msg, id, now)
		return
	}

	msg.Attempts++
	if msg.Attempts >= s.cfg.MaxAttempts {
		s.logger.Error("dropping notification after exhausting delivery attempts",
			zap.String("kind", msg.Kind),
			zap.Int("attempts", msg.Attempts),
		)
		metrics.NotificationsTotal.WithLabelValues("none", "dropped").Inc()
		s.raiseInternal(msg)
		return
	}

	s.retries.PushAt(msg, now.Add(s.cfg.Backoff.Delay(msg.Attempts)))
	metrics.RetryQueueDepth.Set(float64(s.retries.Len()))
}

func (s *Service) attempt(ctx context.Context, ch Channel, msg *Message) error {
	if s.cfg.TestMode {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	return ch.Deliver(ctx, msg)
}

// raiseInternal emits a SystemError for a dropped message. Drops of the
// notifier's own system errors are not re-raised, which bounds the loop.
func (s *Service) raiseInternal(msg *Message) {
	if se, ok := msg.Cause.(events.SystemError); ok && se.Component == "notifier" {
		return
	}
	s.Submit(events.SystemError{
		Component: "notifier",
		Err:       "notification dropped after max delivery attempts: " + msg.Subject,
		Time:      s.clock.Now(),
	})
}

func (s *Service) recordDelivery(msg *Message, ch ChannelID, at time.Time) {
	s.deliveredMu.Lock()
	defer s.deliveredMu.Unlock()

	s.delivered = append(s.delivered, Delivery{Message: msg, Channel: ch, At: at})
	if len(s.delivered) > deliveredWindow {
		s.delivered = s.delivered[len(s.delivered)-deliveredWindow:]
	}
}

// Delivered returns the recent successful deliveries, oldest first.
func (s *Service) Delivered() []Delivery {
	s.deliveredMu.Lock()
	defer s.deliveredMu.Unlock()

	out := make([]Delivery, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// ChannelState exposes a channel's breaker state for the debug API.
func (s *Service) ChannelState(id ChannelID) (breaker.State, bool) {
	br, ok := s.breakers[id]
	if !ok {
		return "", false
	}
	return br.State(), true
}

// PendingLen returns the current pending queue depth.
func (s *Service) PendingLen() int { return s.pending.Len() }

// RetryLen returns the current retry queue depth.
func (s *Service) RetryLen() int { return s.retries.Len() }

// -----------------------------------------------------------------------------
// Health & recovery (called by the recovery supervisor)
// -----------------------------------------------------------------------------

// Name identifies the component to the recovery supervisor.
func (s *Service) Name() string { return "notifier" }

// CheckHealth passes when at least one configured non-log channel is not
// breaker-open, or when the log fallback is available.
func (s *Service) CheckHealth(_ context.Context) error {
	for id, ch := range s.channels {
		if id == ChannelLog || !ch.Configured() {
			continue
		}
		if s.breakers[id].State() != breaker.StateOpen {
			return nil
		}
	}
	if _, ok := s.channels[ChannelLog]; ok {
		return nil
	}
	return errors.New("no reachable notification channel")
}

// EnterDegraded suspends delivery; processed messages accumulate in the retry
// queue until recovery.
func (s *Service) EnterDegraded() {
	s.degraded.Store(true)
	s.logger.Warn("entering degraded mode, suspending notification delivery")
}

// AttemptRecover re-checks health and resumes delivery. Queued retries drain
// on the next retry tick.
func (s *Service) AttemptRecover(ctx context.Context) error {
	if err := s.CheckHealth(ctx); err != nil {
		return err
	}
	s.degraded.Store(false)
	s.signal()
	s.logger.Info("recovered, resuming notification delivery")
	return nil
}

// Degraded reports whether delivery is currently suspended.
func (s *Service) Degraded() bool { return s.degraded.Load() }
