package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/db"
	"github.com/floworc/floworc/internal/metrics"
	"github.com/floworc/floworc/internal/queue"
	"github.com/floworc/floworc/internal/repositories"
)

// Transport is the subscriber-facing half of a subscription. Send is called
// only from the subscription's delivery worker, so implementations need not
// support concurrent sends (they must tolerate Close racing with Send).
type Transport interface {
	Send(env Envelope) error
	Close() error
	RemoteAddr() string
}

// SnapshotFunc produces the subscribe-time snapshot (active jobs plus recent
// logs). Wired to the monitor after both components are constructed.
type SnapshotFunc func() SnapshotData

// Config holds the hub tunables. Zero fields take the defaults below.
type Config struct {
	// QueueCapacity is the per-subscriber bounded queue size.
	QueueCapacity int

	// EvictAfterFailures is the number of consecutive full-queue enqueue
	// episodes (or transport failures) after which a subscriber is evicted.
	EvictAfterFailures int

	// InactivityTimeout evicts subscribers with no delivery activity for
	// this long. Zero disables the sweep.
	InactivityTimeout time.Duration

	// PublishBuffer is the capacity of the channel the monitor posts into.
	PublishBuffer int
}

const (
	DefaultQueueCapacity      = 256
	DefaultEvictAfterFailures = 3
	DefaultPublishBuffer      = 256
)

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EvictAfterFailures <= 0 {
		c.EvictAfterFailures = DefaultEvictAfterFailures
	}
	if c.PublishBuffer <= 0 {
		c.PublishBuffer = DefaultPublishBuffer
	}
	return c
}

// subscription is the hub's record of one connected subscriber: its filter,
// bounded queue, transport, and slow-consumer bookkeeping.
type subscription struct {
	id        string
	filter    Filter
	queue     *queue.Bounded[Envelope]
	transport Transport

	// wake signals the delivery worker that the queue is non-empty.
	wake chan struct{}
	// done is closed exactly once when the subscription is removed.
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	fullEpisodes int  // consecutive enqueues that overflowed
	markerQueued bool // a backlog_truncated marker is already queued
	lastActivity time.Time
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Hub is the central fan-out broker. The monitor posts envelopes via Publish
// (non-blocking); a single Run goroutine matches them against subscription
// filters and enqueues into per-subscriber bounded queues, each drained by
// its own delivery worker. A slow subscriber therefore only ever loses its
// own messages.
//
// The zero value is not usable — create instances with NewHub.
type Hub struct {
	cfg      Config
	clock    clockwork.Clock
	sessions repositories.SessionRepository // may be nil (tests)
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	broadcast chan Envelope
	snapshot  SnapshotFunc
	running   atomic.Bool
	stopped   chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
// sessions may be nil, in which case no audit records are written.
func NewHub(cfg Config, clock clockwork.Clock, sessions repositories.SessionRepository, logger *zap.Logger) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:       cfg,
		clock:     clock,
		sessions:  sessions,
		logger:    logger.Named("broadcast"),
		subs:      make(map[string]*subscription),
		broadcast: make(chan Envelope, cfg.PublishBuffer),
		stopped:   make(chan struct{}),
	}
}

// SetSnapshotProvider wires the subscribe-time snapshot source. Called once
// during startup, before Run; the monitor is constructed after the hub, so
// this cannot be a constructor argument.
func (h *Hub) SetSnapshotProvider(fn SnapshotFunc) { h.snapshot = fn }

// Run starts the hub's dispatch loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	defer close(h.stopped)

	var sweep <-chan time.Time
	if h.cfg.InactivityTimeout > 0 {
		ticker := h.clock.NewTicker(h.cfg.InactivityTimeout / 2)
		defer ticker.Stop()
		sweep = ticker.Chan()
	}

	for {
		select {
		case env := <-h.broadcast:
			h.dispatch(env)

		case <-sweep:
			h.sweepInactive()

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Running reports whether the dispatch loop is active. Used by the recovery
// supervisor as the hub responsiveness probe.
func (h *Hub) Running() bool { return h.running.Load() }

// Publish hands an envelope to the hub without blocking. When the hub's
// channel is full the envelope is dropped and counted — producers must never
// stall on subscriber I/O.
func (h *Hub) Publish(env Envelope) bool {
	select {
	case h.broadcast <- env:
		return true
	default:
		metrics.BroadcastDropped.WithLabelValues("hub").Inc()
		h.logger.Warn("broadcast channel full, dropping message",
			zap.String("type", string(env.Type)),
			zap.String("job_id", env.TargetJobID),
		)
		return false
	}
}

// Subscribe registers a new subscriber and starts its delivery worker.
// When wantSnapshot is set and a snapshot provider is wired, the snapshot is
// the first envelope the subscriber receives. Returns the subscriber ID.
func (h *Hub) Subscribe(filter Filter, transport Transport, wantSnapshot bool) string {
	id := uuid.NewString()
	now := h.clock.Now().UTC()

	sub := &subscription{
		id:           id,
		filter:       filter,
		queue:        queue.NewBounded[Envelope](h.cfg.QueueCapacity),
		transport:    transport,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: now,
	}

	if wantSnapshot && h.snapshot != nil {
		sub.queue.Push(NewEnvelope(MsgSnapshot, "", now, h.snapshot()))
		sub.signal()
	}

	h.mu.Lock()
	h.subs[id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	metrics.SubscribersConnected.Set(float64(total))
	h.recordSession(sub)

	go h.deliveryLoop(sub)

	h.logger.Info("subscriber connected",
		zap.String("subscriber_id", id),
		zap.String("remote_addr", transport.RemoteAddr()),
		zap.Int("total_connected", total),
	)
	return id
}

// Unsubscribe removes a subscriber, stops its delivery worker, and closes its
// transport. Safe to call for unknown IDs (disconnect and eviction can race).
func (h *Hub) Unsubscribe(id, reason string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	total := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}

	sub.closeOnce.Do(func() { close(sub.done) })
	_ = sub.transport.Close()
	metrics.SubscribersConnected.Set(float64(total))
	h.closeSession(sub.id, reason)

	h.logger.Info("subscriber removed",
		zap.String("subscriber_id", id),
		zap.String("reason", reason),
		zap.Int("total_connected", total),
	)
}

// ConnectedCount returns the number of live subscriptions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// dispatch matches env against every subscription filter and enqueues where
// it matches. Runs only on the Run goroutine, so per-subscription enqueue
// order equals emission order.
func (h *Hub) dispatch(env Envelope) {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter.Matches(env) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	var evict []*subscription
	for _, sub := range targets {
		if h.enqueue(sub, env) {
			evict = append(evict, sub)
		}
	}
	for _, sub := range evict {
		metrics.SubscriberEvictions.WithLabelValues("slow_consumer").Inc()
		h.Unsubscribe(sub.id, "slow consumer")
	}
}

// enqueue pushes env into the subscription queue with the drop-oldest policy.
// On overflow a single backlog_truncated marker is queued per episode.
// Returns true when the subscriber crossed the eviction threshold.
func (h *Hub) enqueue(sub *subscription, env Envelope) (evict bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	overflowed := sub.queue.Push(env)
	if overflowed {
		metrics.BroadcastDropped.WithLabelValues("subscriber").Inc()
		if !sub.markerQueued {
			dropped := sub.queue.TakeDropped()
			sub.queue.Push(NewEnvelope(MsgBacklogTruncated, "", h.clock.Now(),
				BacklogTruncatedData{Dropped: dropped}))
			sub.markerQueued = true
		}
		sub.fullEpisodes++
	} else {
		sub.fullEpisodes = 0
	}

	sub.signal()
	return sub.fullEpisodes >= h.cfg.EvictAfterFailures
}

// deliveryLoop drains one subscription's queue into its transport, in order.
// It is the only goroutine that calls transport.Send for this subscriber.
// A transport error evicts immediately.
func (h *Hub) deliveryLoop(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		for {
			env, ok := sub.queue.Pop()
			if !ok {
				break
			}

			if err := sub.transport.Send(env); err != nil {
				h.logger.Warn("transport send failed, evicting subscriber",
					zap.String("subscriber_id", sub.id),
					zap.Error(err),
				)
				metrics.SubscriberEvictions.WithLabelValues("transport_error").Inc()
				h.Unsubscribe(sub.id, "transport error")
				return
			}

			sub.mu.Lock()
			if env.Type == MsgBacklogTruncated {
				sub.markerQueued = false
			}
			sub.lastActivity = h.clock.Now()
			sub.mu.Unlock()
		}
	}
}

// sweepInactive evicts subscriptions with no delivery activity inside the
// configured window.
func (h *Hub) sweepInactive() {
	cutoff := h.clock.Now().Add(-h.cfg.InactivityTimeout)

	h.mu.RLock()
	var stale []string
	for id, sub := range h.subs {
		sub.mu.Lock()
		idle := sub.lastActivity.Before(cutoff)
		sub.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		metrics.SubscriberEvictions.WithLabelValues("inactive").Inc()
		h.Unsubscribe(id, "inactivity timeout")
	}
}

// closeAll tears down every subscription on shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
		_ = sub.transport.Close()
		h.closeSession(sub.id, "server shutdown")
	}
	metrics.SubscribersConnected.Set(0)
}

// recordSession writes the audit row for a new subscription. Best-effort —
// a repository failure must not reject the subscriber.
func (h *Hub) recordSession(sub *subscription) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	filterJSON, err := json.Marshal(sub.filter)
	if err != nil {
		filterJSON = []byte("{}")
	}
	err = h.sessions.Create(ctx, &db.Session{
		SubscriberID: sub.id,
		RemoteAddr:   sub.transport.RemoteAddr(),
		Filter:       string(filterJSON),
		ConnectedAt:  h.clock.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("failed to record session", zap.String("subscriber_id", sub.id), zap.Error(err))
	}
}

// closeSession stamps the audit row on removal. Best-effort.
func (h *Hub) closeSession(subscriberID, reason string) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessions.Close(ctx, subscriberID, h.clock.Now().UTC(), reason); err != nil {
		h.logger.Warn("failed to close session", zap.String("subscriber_id", subscriberID), zap.Error(err))
	}
}
