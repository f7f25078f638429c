package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	opened, recovered int
}

func (r *recordingSink) Opened(string, uint32) { r.opened++ }
func (r *recordingSink) Recovered(string)       { r.recovered++ }

func TestNoFallbackNeverTrips(t *testing.T) {
	b := New(Settings{Name: "t", FailureThreshold: 2, HasFallback: false})
	boom := errors.New("boom")
	for i := 0; i < 10; i++ {
		_ = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	}
	if b.State() != Closed {
		t.Errorf("expected Closed without fallback, got %v", b.State())
	}
	if b.RouteDecision() {
		t.Error("expected primary routing without fallback")
	}
}

func TestTripsOpenAfterThresholdWithFallback(t *testing.T) {
	sink := &recordingSink{}
	b := New(Settings{Name: "t", FailureThreshold: 2, ResetTimeout: time.Hour, HasFallback: true, Sink: sink})
	boom := errors.New("boom")

	_ = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	if b.State() != Closed {
		t.Fatalf("expected still Closed after 1 failure, got %v", b.State())
	}
	_ = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	if b.State() != Open {
		t.Fatalf("expected Open after threshold failures, got %v", b.State())
	}
	if !b.RouteDecision() {
		t.Error("expected fallback routing once open")
	}
	if sink.opened != 1 {
		t.Errorf("expected 1 opened alert, got %d", sink.opened)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Settings{Name: "t", FailureThreshold: 2, HasFallback: true})
	boom := errors.New("boom")

	_ = b.Do(context.Background(), func(ctx context.Context) error { return boom })
	_ = b.Do(context.Background(), func(ctx context.Context) error { return nil })
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Errorf("expected 0 consecutive failures after success, got %d", got)
	}
	if b.State() != Closed {
		t.Errorf("expected Closed, got %v", b.State())
	}
}
