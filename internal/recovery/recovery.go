// Package recovery implements the health supervisor shared by the monitor
// and the notifier. Components expose a uniform Recoverable surface; the
// supervisor probes them on an interval, pushes them into degraded mode after
// repeated failures, and drives backoff-gated recovery attempts until the
// component heals or the attempt budget is spent.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/metrics"
	"github.com/floworc/floworc/internal/retry"
)

// Recoverable is the contract a supervised component implements.
type Recoverable interface {
	// Name identifies the component in logs, metrics, and alerts.
	Name() string

	// CheckHealth probes the component's dependencies.
	CheckHealth(ctx context.Context) error

	// EnterDegraded switches the component into its degraded mode. Called
	// once per unhealthy episode.
	EnterDegraded()

	// AttemptRecover tries to restore normal operation, draining any
	// degraded-mode buffers on success.
	AttemptRecover(ctx context.Context) error
}

// Config holds the supervisor tunables. Zero fields take the defaults below.
type Config struct {
	// Interval is the health probe period.
	Interval time.Duration

	// MaxFailedChecks is the number of consecutive failed probes before a
	// component is degraded.
	MaxFailedChecks int

	// MaxAttempts bounds recovery attempts per unhealthy episode. Once
	// spent, the supervisor gives up on the component and raises a
	// SystemError.
	MaxAttempts int

	// Backoff gates successive recovery attempts.
	Backoff retry.Backoff

	// DisableAutoRecover leaves degraded components alone; recovery then
	// only happens via ForceRecover.
	DisableAutoRecover bool

	// ProbeTimeout bounds one CheckHealth or AttemptRecover call.
	ProbeTimeout time.Duration
}

const (
	DefaultInterval        = 30 * time.Second
	DefaultMaxFailedChecks = 3
	DefaultMaxAttempts     = 5
	DefaultProbeTimeout    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxFailedChecks <= 0 {
		c.MaxFailedChecks = DefaultMaxFailedChecks
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// ComponentStatus is a point-in-time view of one supervised component,
// served by the health endpoint.
type ComponentStatus struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	Recovering   bool      `json:"recovering"`
	Attempts     int       `json:"attempts"`
	FailedChecks int       `json:"failedChecks"`
	LastAttempt  time.Time `json:"lastAttempt,omitempty"`
}

// componentState is the supervisor's bookkeeping for one component. Guarded
// by the owning Supervisor's mutex; queries copy under it.
type componentState struct {
	comp Recoverable

	healthy      bool
	recovering   bool
	attempts     int
	failedChecks int
	lastAttempt  time.Time
	gaveUp       bool
}

// Supervisor owns the probe loop over a fixed set of components.
// Create with New, start with Run.
type Supervisor struct {
	cfg    Config
	clock  clockwork.Clock
	logger *zap.Logger
	alerts events.AlertSink // may be nil

	mu         sync.Mutex
	components []*componentState
}

// New creates a supervisor over the given components. alerts may be nil.
func New(cfg Config, clock clockwork.Clock, alerts events.AlertSink, logger *zap.Logger, components ...Recoverable) *Supervisor {
	cfg = cfg.withDefaults()

	s := &Supervisor{
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("recovery"),
		alerts: alerts,
	}
	for _, comp := range components {
		s.components = append(s.components, &componentState{comp: comp, healthy: true})
		metrics.ComponentHealthy.WithLabelValues(comp.Name()).Set(1)
	}
	return s
}

// Run probes all components every Interval until ctx is cancelled. Must be
// called exactly once, in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.RunChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks performs one probe pass over every component. Exposed so the
// startup sequence can establish baseline health synchronously.
func (s *Supervisor) RunChecks(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.components {
		if st.healthy {
			s.probe(ctx, st)
		} else if !s.cfg.DisableAutoRecover && !st.gaveUp {
			s.maybeRecover(ctx, st)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, st *componentState) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := st.comp.CheckHealth(ctx)
	cancel()

	if err == nil {
		st.failedChecks = 0
		return
	}

	st.failedChecks++
	s.logger.Warn("health check failed",
		zap.String("component", st.comp.Name()),
		zap.Int("failed_checks", st.failedChecks),
		zap.Error(err),
	)

	if st.failedChecks < s.cfg.MaxFailedChecks {
		return
	}

	st.healthy = false
	st.recovering = true
	st.attempts = 0
	st.lastAttempt = s.clock.Now()
	metrics.ComponentHealthy.WithLabelValues(st.comp.Name()).Set(0)
	s.logger.Error("component degraded",
		zap.String("component", st.comp.Name()),
		zap.Int("failed_checks", st.failedChecks),
	)
	st.comp.EnterDegraded()
}

func (s *Supervisor) maybeRecover(ctx context.Context, st *componentState) {
	now := s.clock.Now()
	if now.Sub(st.lastAttempt) < s.cfg.Backoff.Delay(st.attempts) {
		return
	}
	s.recover(ctx, st, now)
}

func (s *Supervisor) recover(ctx context.Context, st *componentState, now time.Time) {
	st.lastAttempt = now

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := st.comp.AttemptRecover(ctx)
	cancel()

	if err == nil {
		s.logger.Info("component recovered",
			zap.String("component", st.comp.Name()),
			zap.Int("attempts", st.attempts+1),
		)
		st.healthy = true
		st.recovering = false
		st.attempts = 0
		st.failedChecks = 0
		st.gaveUp = false
		metrics.ComponentHealthy.WithLabelValues(st.comp.Name()).Set(1)
		return
	}

	st.attempts++
	s.logger.Warn("recovery attempt failed",
		zap.String("component", st.comp.Name()),
		zap.Int("attempts", st.attempts),
		zap.Error(err),
	)

	if st.attempts >= s.cfg.MaxAttempts {
		st.gaveUp = true
		st.recovering = false
		s.logger.Error("giving up on component recovery",
			zap.String("component", st.comp.Name()),
			zap.Int("attempts", st.attempts),
		)
		if s.alerts != nil {
			s.alerts.Submit(events.SystemError{
				Component: st.comp.Name(),
				Err:       "component recovery abandoned after max attempts",
				Time:      now,
			})
		}
	}
}

// ForceRecover runs an immediate recovery attempt for the named component,
// bypassing the backoff gate and the give-up flag. Used by the admin API.
func (s *Supervisor) ForceRecover(ctx context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.components {
		if st.comp.Name() != name {
			continue
		}
		if st.healthy {
			return true
		}
		st.gaveUp = false
		s.recover(ctx, st, s.clock.Now())
		return st.healthy
	}
	return false
}

// Status reports the current state of every supervised component.
func (s *Supervisor) Status() []ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ComponentStatus, 0, len(s.components))
	for _, st := range s.components {
		out = append(out, ComponentStatus{
			Name:         st.comp.Name(),
			Healthy:      st.healthy,
			Recovering:   st.recovering,
			Attempts:     st.attempts,
			FailedChecks: st.failedChecks,
			LastAttempt:  st.lastAttempt,
		})
	}
	return out
}

// Healthy reports whether every supervised component is healthy.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.components {
		if !st.healthy {
			return false
		}
	}
	return true
}
