// Package breaker implements the dual-upstream circuit breaker from
// spec §4.5 as a thin adapter over github.com/sony/gobreaker, which
// supplies the Closed/Open/HalfOpen state machine (jordigilh-kubernaut
// go.mod), replacing a hand-rolled state machine with the pack's real
// dependency for the same shape.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// AlertSink is the externally injected notification target for
// "opened"/"recovered" transitions (spec §4.5; the external alert-sink
// extension point spec.md §1 calls out as out-of-scope-but-exposed).
// A sink must never propagate errors into the dispatcher.
type AlertSink interface {
	Opened(name string, consecutiveFailures uint32)
	Recovered(name string)
}

// NopSink discards all alerts.
type NopSink struct{}

func (NopSink) Opened(string, uint32) {}
func (NopSink) Recovered(string)       {}

// Settings configures a Breaker per spec §4.5.
type Settings struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	RequestTimeout   time.Duration
	HasFallback      bool
	Sink             AlertSink
}

// Breaker gates routing between a primary and fallback upstream.
type Breaker struct {
	core           *gobreaker.CircuitBreaker
	requestTimeout time.Duration
	hasFallback    bool
}

// New constructs a Breaker. When HasFallback is false the breaker never
// trips (spec §3 invariant 5: "Breaker moves Closed→Open only on
// reaching the failure threshold and a fallback is configured").
func New(cfg Settings) *Breaker {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 2
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.HasFallback && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				slog.Warn("breaker: opened", "component", "breaker", "name", name)
				sink.Opened(name, threshold)
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				slog.Info("breaker: recovered", "component", "breaker", "name", name)
				sink.Recovered(name)
			}
		},
	}

	return &Breaker{
		core:           gobreaker.NewCircuitBreaker(settings),
		requestTimeout: cfg.RequestTimeout,
		hasFallback:    cfg.HasFallback,
	}
}

// State mirrors gobreaker's three states for the admin snapshot.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// RouteDecision reports whether the next POST should go to the
// fallback upstream (spec §4.6 step 1): Open routes to fallback, Closed
// and HalfOpen (probe) route to primary.
func (b *Breaker) RouteDecision() (useFallback bool) {
	if !b.hasFallback {
		return false
	}
	return b.core.State() == gobreaker.StateOpen
}

// State returns the current breaker state for diagnostics.
func (b *Breaker) State() State {
	switch b.core.State() {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// RequestTimeout is the configured per-primary-call timeout (spec §4.5).
func (b *Breaker) RequestTimeout() time.Duration { return b.requestTimeout }

// HasFallback reports whether a fallback upstream is configured.
func (b *Breaker) HasFallback() bool { return b.hasFallback }

// ErrOpen is returned by Do when the breaker rejects the call outright
// (already open, or half-open probe slot exhausted).
var ErrOpen = errors.New("breaker: circuit open")

// Do runs fn as a primary-upstream attempt, feeding its outcome into
// the state machine. Only POST outcomes should ever be routed through
// Do; GET calls bypass the breaker entirely per spec §4.6.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.core.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// ConsecutiveFailures exposes the current streak for the admin
// snapshot (spec §4.9, Breaker state).
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.core.Counts().ConsecutiveFailures
}
