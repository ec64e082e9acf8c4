// Package breaker implements the per-actor-type circuit breaker. Failures
// are driven by worker-reported failure events observed by the orchestrator;
// internal retry rescheduling never feeds the breaker, so one worker failure
// counts exactly once.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/flowpipe/internal/domain"
	"github.com/fairyhunter13/flowpipe/internal/observability"
)

const defaultHalfOpenRequests = 1

// clock is swapped in tests.
type clock func() time.Time

type state struct {
	cfg               domain.BreakerPolicy
	st                domain.BreakerState
	failures          int
	lastFailure       time.Time
	halfOpenAttempts  int
	halfOpenSuccesses int
}

// Registry holds one breaker per actor type. Snapshots are persisted through
// the store on every transition; cross-instance consistency is eventual.
type Registry struct {
	mu      sync.Mutex
	now     clock
	store   domain.BreakerStore
	byActor map[string]*state
}

// NewRegistry constructs a Registry. The store may be nil in tests.
func NewRegistry(store domain.BreakerStore) *Registry {
	return &Registry{
		now:     time.Now,
		store:   store,
		byActor: map[string]*state{},
	}
}

// Configure registers (or updates) the breaker config for an actor type.
func (r *Registry) Configure(ctx domain.Context, actorType string, cfg domain.BreakerPolicy) {
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = defaultHalfOpenRequests
	}
	r.mu.Lock()
	s, ok := r.byActor[actorType]
	if !ok {
		s = &state{st: domain.BreakerClosed}
		r.byActor[actorType] = s
	}
	s.cfg = cfg
	r.mu.Unlock()
	r.persist(ctx, actorType)
}

// ShouldAllow is consulted once per stage dispatch, not per task. An OPEN
// breaker transitions to HALF_OPEN after the timeout and then admits up to
// halfOpenRequests probing dispatches.
func (r *Registry) ShouldAllow(ctx domain.Context, actorType string) bool {
	r.mu.Lock()
	s, ok := r.byActor[actorType]
	if !ok {
		r.mu.Unlock()
		return true
	}
	allowed := false
	switch s.st {
	case domain.BreakerClosed:
		allowed = true
	case domain.BreakerOpen:
		if r.now().Sub(s.lastFailure) >= time.Duration(s.cfg.TimeoutMs)*time.Millisecond {
			s.st = domain.BreakerHalfOpen
			s.halfOpenAttempts = 1
			s.halfOpenSuccesses = 0
			allowed = true
			slog.Info("circuit breaker half-open", slog.String("actor_type", actorType))
		}
	case domain.BreakerHalfOpen:
		if s.halfOpenAttempts < s.cfg.HalfOpenRequests {
			s.halfOpenAttempts++
			allowed = true
		}
	}
	r.mu.Unlock()
	if !allowed {
		observability.BreakerRejected(actorType)
	}
	r.persist(ctx, actorType)
	return allowed
}

// RecordSuccess feeds one worker success.
func (r *Registry) RecordSuccess(ctx domain.Context, actorType string) {
	r.mu.Lock()
	s, ok := r.byActor[actorType]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch s.st {
	case domain.BreakerClosed:
		s.failures = 0
	case domain.BreakerHalfOpen:
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= s.cfg.HalfOpenRequests {
			s.st = domain.BreakerClosed
			s.failures = 0
			s.halfOpenAttempts = 0
			s.halfOpenSuccesses = 0
			slog.Info("circuit breaker closed", slog.String("actor_type", actorType))
		}
	}
	r.mu.Unlock()
	r.persist(ctx, actorType)
}

// RecordFailure feeds one worker-reported failure event.
func (r *Registry) RecordFailure(ctx domain.Context, actorType string) {
	r.mu.Lock()
	s, ok := r.byActor[actorType]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	switch s.st {
	case domain.BreakerClosed:
		s.failures++
		s.lastFailure = now
		if s.failures >= s.cfg.FailureThreshold {
			s.st = domain.BreakerOpen
			slog.Warn("circuit breaker open",
				slog.String("actor_type", actorType),
				slog.Int("failures", s.failures))
		}
	case domain.BreakerHalfOpen:
		s.st = domain.BreakerOpen
		s.lastFailure = now
		slog.Warn("circuit breaker re-open", slog.String("actor_type", actorType))
	case domain.BreakerOpen:
		s.lastFailure = now
	}
	r.mu.Unlock()
	r.persist(ctx, actorType)
}

// State returns the current snapshot for an actor type.
func (r *Registry) State(actorType string) (domain.CircuitBreakerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byActor[actorType]
	if !ok {
		return domain.CircuitBreakerState{}, false
	}
	return r.snapshotLocked(actorType, s), true
}

func (r *Registry) snapshotLocked(actorType string, s *state) domain.CircuitBreakerState {
	snap := domain.CircuitBreakerState{
		ActorType:         actorType,
		State:             s.st,
		Failures:          s.failures,
		HalfOpenAttempts:  s.halfOpenAttempts,
		HalfOpenSuccesses: s.halfOpenSuccesses,
		Config:            s.cfg,
	}
	if !s.lastFailure.IsZero() {
		t := s.lastFailure
		snap.LastFailureTime = &t
	}
	return snap
}

func (r *Registry) persist(ctx domain.Context, actorType string) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	s, ok := r.byActor[actorType]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap := r.snapshotLocked(actorType, s)
	r.mu.Unlock()
	observability.SetBreakerState(actorType, string(snap.State))
	if err := r.store.SaveBreakerState(ctx, snap); err != nil {
		slog.Warn("breaker persist failed", slog.String("actor_type", actorType), slog.Any("error", err))
	}
}
