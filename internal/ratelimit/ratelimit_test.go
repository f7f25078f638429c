package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	features Features
	snap     Snapshot
	err      error
}

func (f *fakeSource) DetectFeatures(ctx context.Context) (Features, error) {
	return f.features, f.err
}

func (f *fakeSource) RateLimitSnapshot(ctx context.Context) (Snapshot, error) {
	return f.snap, f.err
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	src := &fakeSource{
		snap: Snapshot{
			OriginHourly: map[string]Counts{"a.test": {Current: 1, Previous: 0}},
			OriginDaily:  map[string]int64{"a.test": 1},
		},
	}
	lim := New(src, Limits{OriginHourly: 10, OriginDaily: 100, IPHourly: 10, IPDaily: 100}, time.Hour, 0, 0)
	defer lim.Close()

	d := lim.Check("1.2.3.4", "https://a.test")
	if !d.Allowed {
		t.Errorf("expected allowed, got %+v", d)
	}
}

func TestCheckDeniesOverHourlyLimit(t *testing.T) {
	src := &fakeSource{
		snap: Snapshot{
			// Current alone exceeds the limit, so the verdict does not
			// depend on the wall-clock minute that sets the weight.
			OriginHourly: map[string]Counts{"a.test": {Current: 11, Previous: 10}},
			OriginDaily:  map[string]int64{"a.test": 21},
		},
	}
	lim := New(src, Limits{OriginHourly: 10, OriginDaily: 1000, IPHourly: 10, IPDaily: 1000}, time.Hour, 0, 0)
	defer lim.Close()

	d := lim.Check("1.2.3.4", "https://a.test")
	if d.Allowed {
		t.Errorf("expected denial, got %+v", d)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected positive retry-after, got %v", d.RetryAfter)
	}
}

func TestCheckRoutesLocalLikeToIPTier(t *testing.T) {
	src := &fakeSource{
		snap: Snapshot{
			IPHourly: map[string]Counts{"9.9.9.9": {Current: 50, Previous: 0}},
		},
	}
	lim := New(src, Limits{OriginHourly: 1000, OriginDaily: 1000, IPHourly: 10, IPDaily: 1000}, time.Hour, 0, 0)
	defer lim.Close()

	d := lim.Check("9.9.9.9", "")
	if d.Allowed {
		t.Errorf("expected denial for blocked IP, got %+v", d)
	}
}

func TestPollFailureRetainsPreviousBlocklist(t *testing.T) {
	src := &fakeSource{
		snap: Snapshot{
			OriginHourly: map[string]Counts{"a.test": {Current: 100, Previous: 0}},
		},
	}
	lim := New(src, Limits{OriginHourly: 10, OriginDaily: 1000, IPHourly: 10, IPDaily: 1000}, time.Hour, 0, 0)
	defer lim.Close()

	if d := lim.Check("1.2.3.4", "https://a.test"); d.Allowed {
		t.Fatalf("expected initial denial, got %+v", d)
	}

	src.err = errors.New("boom")
	lim.poll(context.Background())
	lim.poll(context.Background())
	lim.poll(context.Background())

	if d := lim.Check("1.2.3.4", "https://a.test"); d.Allowed {
		t.Errorf("expected blocklist retained after poll failures, got %+v", d)
	}
}

func TestEffectiveWeighting(t *testing.T) {
	got := effective(Counts{Current: 8, Previous: 10}, 0.5)
	if got != 13 {
		t.Errorf("effective() = %v, want 13", got)
	}
}

func TestPreviousHourWeightAtHalfHour(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)
	got := previousHourWeight(now)
	if got != 0.5 {
		t.Errorf("previousHourWeight() = %v, want 0.5", got)
	}
}
