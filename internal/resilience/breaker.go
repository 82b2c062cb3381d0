package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"riskgraph/internal/config"
	"riskgraph/internal/model"
)

// ErrOpen is returned when a call is short-circuited by an open breaker.
var ErrOpen = errors.New("circuit open")

// Breaker is the per-source circuit. Closed passes calls through, Open
// short-circuits immediately, HalfOpen admits a bounded number of probes.
type Breaker struct {
	source string

	mu             sync.Mutex
	status         model.CircuitStatus
	failures       []time.Time
	probesInFlight int
	lastTransition time.Time

	failureThreshold int
	failureWindow    time.Duration
	coolDown         time.Duration
	halfOpenProbes   int

	now func() time.Time
}

func NewBreaker(source string, cfg config.ResilienceConfig) *Breaker {
	return &Breaker{
		source:           source,
		status:           model.CircuitClosed,
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		coolDown:         cfg.CoolDown,
		halfOpenProbes:   cfg.HalfOpenProbes,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Allow reports whether a call may proceed, claiming a probe slot when the
// breaker is half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case model.CircuitClosed:
		return true
	case model.CircuitOpen:
		if b.now().Sub(b.lastTransition) >= b.coolDown {
			b.transitionLocked(model.CircuitHalfOpen)
			b.probesInFlight = 1
			return true
		}
		return false
	case model.CircuitHalfOpen:
		if b.probesInFlight < b.halfOpenProbes {
			b.probesInFlight++
			return true
		}
		return false
	}
	return false
}

// Success records a passing call. A half-open probe success closes the
// circuit and clears the failure window.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.status {
	case model.CircuitHalfOpen:
		b.transitionLocked(model.CircuitClosed)
		b.failures = nil
		b.probesInFlight = 0
	case model.CircuitClosed:
		b.failures = nil
	}
}

// Failure records a failing call. In Closed, exceeding the threshold within
// the sliding window opens the circuit; a half-open probe failure reopens it.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.status {
	case model.CircuitClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.failureThreshold {
			b.transitionLocked(model.CircuitOpen)
		}
	case model.CircuitHalfOpen:
		b.transitionLocked(model.CircuitOpen)
		b.probesInFlight = 0
	case model.CircuitOpen:
		// Nothing to count; the call never went out.
	}
}

// Do wraps fn with the breaker: short-circuit when open, record the outcome
// otherwise.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State snapshots the breaker for the operator surface.
func (b *Breaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.CircuitState{
		Source:         b.source,
		Status:         b.status,
		Failures:       len(b.failures),
		LastTransition: b.lastTransition,
	}
}

func (b *Breaker) transitionLocked(to model.CircuitStatus) {
	b.status = to
	b.lastTransition = b.now()
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.failureWindow <= 0 {
		return
	}
	cutoff := now.Add(-b.failureWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// Set holds one breaker per source with explicit lifecycle: created on first
// use from the shared config, reset on demand for tests.
type Set struct {
	mu       sync.Mutex
	cfg      config.ResilienceConfig
	breakers map[string]*Breaker
}

func NewSet(cfg config.ResilienceConfig) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (s *Set) For(source string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[source]
	if !ok {
		b = NewBreaker(source, s.cfg)
		s.breakers[source] = b
	}
	return b
}

// States lists every breaker's state, sorted by source for stable output.
func (s *Set) States() []model.CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CircuitState, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Reset drops all breaker state.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers = make(map[string]*Breaker)
}
