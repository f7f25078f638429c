// Package ratelimit implements the polling sliding-window rate limiter
// from spec §4.4. The poll loop is grounded on the teacher's
// RateLimiter.cleanup ticker-goroutine shape (middlewares/rate_limit.go):
// a background goroutine periodically rebuilds the admission state and
// atomically swaps it in, while request-path calls only ever read the
// current snapshot.
//
// In front of the store-backed sliding window this package also layers
// a golang.org/x/time/rate token bucket as a cheap global admission
// guard (SPEC_FULL.md §3) — new behavior this expansion adds on top of
// spec.md §4.4, which otherwise governs the per-origin/per-IP decision
// unchanged.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bombom/rpcgate/internal/netid"
)

// maxConsecutiveFailures is the number of consecutive poll failures
// after which the failure is also logged at error level. Every failed
// poll keeps the previous snapshot, so blocklists are never cleared by a
// failure (spec §4.4: "fail closed w.r.t. known offenders, fail open
// w.r.t. newcomers").
const maxConsecutiveFailures = 3

// Counts is the raw per-key hourly current/previous pair a Source
// reports for the sliding-window computation.
type Counts struct {
	Current  int64
	Previous int64
}

// Snapshot is what a Source reports on each poll: raw hourly
// current/previous counts per origin and per IP, plus daily totals.
// Ordering/row-cap concerns (spec §4.4 step 5) belong to the Source.
type Snapshot struct {
	OriginHourly map[string]Counts
	IPHourly     map[string]Counts
	OriginDaily  map[string]int64
	IPDaily      map[string]int64
}

// Features records which optional store schema features are present,
// detected once per process (spec §4.4 step 1).
type Features struct {
	SlidingWindow    bool
	DailyLimits      bool
	PerHourOriginMap bool
}

// Source is the store-backed data the limiter polls. internal/store's
// Store satisfies this.
type Source interface {
	DetectFeatures(ctx context.Context) (Features, error)
	RateLimitSnapshot(ctx context.Context) (Snapshot, error)
}

// Limits holds the configured ceilings from spec §4.4/§6.
type Limits struct {
	OriginHourly int64
	IPHourly     int64
	OriginDaily  int64
	IPDaily      int64
}

// Decision is the verdict Check returns for one request, with the
// reason and retry-after used in the rejection response.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type state struct {
	blockedOriginsHourly map[string]struct{}
	blockedOriginsDaily  map[string]struct{}
	blockedIPsHourly     map[string]struct{}
	blockedIPsDaily      map[string]struct{}

	originEffective map[string]float64
	ipEffective     map[string]float64
	originDaily     map[string]int64
	ipDaily         map[string]int64

	previousHourWeight float64
	polledAt           time.Time
	features           Features
}

// Limiter answers admission decisions from a periodically-refreshed,
// store-backed snapshot, with a global token-bucket guard layered in
// front.
type Limiter struct {
	source Source
	limits Limits

	current atomic.Pointer[state]
	admit   *rate.Limiter

	consecutiveFailures int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Limiter and starts its poll loop at pollInterval.
// globalRPS/globalBurst configure the front-line token bucket; pass 0
// for globalRPS to disable it (rate.Inf).
func New(source Source, limits Limits, pollInterval time.Duration, globalRPS float64, globalBurst int) *Limiter {
	l := &Limiter{
		source: source,
		limits: limits,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if globalRPS <= 0 {
		l.admit = rate.NewLimiter(rate.Inf, 0)
	} else {
		l.admit = rate.NewLimiter(rate.Limit(globalRPS), globalBurst)
	}

	l.current.Store(&state{
		blockedOriginsHourly: map[string]struct{}{},
		blockedOriginsDaily:  map[string]struct{}{},
		blockedIPsHourly:     map[string]struct{}{},
		blockedIPsDaily:      map[string]struct{}{},
		originEffective:      map[string]float64{},
		ipEffective:          map[string]float64{},
		originDaily:          map[string]int64{},
		ipDaily:              map[string]int64{},
	})

	l.poll(context.Background())
	go l.run(pollInterval)
	return l
}

// Close stops the poll loop.
func (l *Limiter) Close() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Limiter) run(interval time.Duration) {
	defer close(l.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.poll(context.Background())
		}
	}
}

func (l *Limiter) poll(ctx context.Context) {
	features, err := l.source.DetectFeatures(ctx)
	if err != nil {
		l.onPollFailure(err)
		return
	}

	snap, err := l.source.RateLimitSnapshot(ctx)
	if err != nil {
		l.onPollFailure(err)
		return
	}

	now := time.Now().UTC()
	weight := previousHourWeight(now)

	next := &state{
		blockedOriginsHourly: map[string]struct{}{},
		blockedOriginsDaily:  map[string]struct{}{},
		blockedIPsHourly:     map[string]struct{}{},
		blockedIPsDaily:      map[string]struct{}{},
		originEffective:      map[string]float64{},
		ipEffective:          map[string]float64{},
		originDaily:          snap.OriginDaily,
		ipDaily:              snap.IPDaily,
		previousHourWeight:   weight,
		polledAt:             now,
		features:             features,
	}
	if next.originDaily == nil {
		next.originDaily = map[string]int64{}
	}
	if next.ipDaily == nil {
		next.ipDaily = map[string]int64{}
	}

	for origin, c := range snap.OriginHourly {
		eff := effective(c, weight)
		next.originEffective[origin] = eff
		if eff > float64(l.limits.OriginHourly) {
			next.blockedOriginsHourly[origin] = struct{}{}
		}
	}
	for ip, c := range snap.IPHourly {
		eff := effective(c, weight)
		next.ipEffective[ip] = eff
		if eff > float64(l.limits.IPHourly) {
			next.blockedIPsHourly[ip] = struct{}{}
		}
	}
	for origin, count := range next.originDaily {
		if count > l.limits.OriginDaily {
			next.blockedOriginsDaily[origin] = struct{}{}
		}
	}
	for ip, count := range next.ipDaily {
		if count > l.limits.IPDaily {
			next.blockedIPsDaily[ip] = struct{}{}
		}
	}

	l.consecutiveFailures = 0
	l.current.Store(next)
}

func (l *Limiter) onPollFailure(err error) {
	l.consecutiveFailures++
	slog.Warn("ratelimit: poll failed",
		"component", "ratelimit", "error", err, "consecutive_failures", l.consecutiveFailures)
	if l.consecutiveFailures < maxConsecutiveFailures {
		// Below the threshold we still retain the previous snapshot, so
		// there is nothing further to do — the old blocklists stay live
		// until this count reaches maxConsecutiveFailures, at which
		// point they are deliberately frozen (no newcomers admitted
		// into the block list, no stale entries dropped either).
		return
	}
	slog.Error("ratelimit: blocklists frozen after repeated poll failures",
		"component", "ratelimit", "consecutive_failures", l.consecutiveFailures)
}

func effective(c Counts, weight float64) float64 {
	return float64(c.Current) + float64(c.Previous)*weight
}

// previousHourWeight is 1 minus the fraction of the current hour that
// has elapsed (spec §4.4 step 2).
func previousHourWeight(now time.Time) float64 {
	minutesIn := float64(now.Minute()) + float64(now.Second())/60
	return 1 - minutesIn/60
}

// Check classifies the request per §4.1 and answers the admission
// decision per §4.4. It never panics and fails open: any internal
// error is treated as "not limited".
func (l *Limiter) Check(ip, origin string) (decision Decision) {
	decision = Decision{Allowed: true}
	defer func() {
		if recover() != nil {
			decision = Decision{Allowed: true}
		}
	}()

	if !l.admit.Allow() {
		return Decision{Allowed: false, Reason: "global admission rate exceeded", RetryAfter: time.Second}
	}

	st := l.current.Load()
	if st == nil {
		return Decision{Allowed: true}
	}

	now := time.Now().UTC()

	if netid.Classify(origin) == netid.Public {
		// Store-side origin keys are bare hosts: strip scheme and
		// trailing slash the same way the aggregator does.
		key := origin
		if idx := strings.Index(key, "://"); idx >= 0 {
			key = key[idx+3:]
		}
		key = strings.TrimSuffix(key, "/")
		if _, blocked := st.blockedOriginsDaily[key]; blocked {
			return Decision{Allowed: false, Reason: "origin daily limit exceeded", RetryAfter: untilMidnightUTC(now)}
		}
		if _, blocked := st.blockedOriginsHourly[key]; blocked {
			return Decision{Allowed: false, Reason: "origin hourly limit exceeded", RetryAfter: untilNextHour(now)}
		}
		return Decision{Allowed: true}
	}

	if _, blocked := st.blockedIPsDaily[ip]; blocked {
		return Decision{Allowed: false, Reason: "ip daily limit exceeded", RetryAfter: untilMidnightUTC(now)}
	}
	if _, blocked := st.blockedIPsHourly[ip]; blocked {
		return Decision{Allowed: false, Reason: "ip hourly limit exceeded", RetryAfter: untilNextHour(now)}
	}
	return Decision{Allowed: true}
}

func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

func untilMidnightUTC(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// AdminSnapshot is the admin-facing view of limiter state (spec §4.9).
type AdminSnapshot struct {
	PolledAt           time.Time
	PreviousHourWeight float64
	Features           Features
	Limits             Limits
	OriginEffective    map[string]float64
	IPEffective        map[string]float64
	OriginDaily        map[string]int64
	IPDaily            map[string]int64
	BlockedOrigins     int
	BlockedIPs         int
}

// Snapshot returns the current state for the admin surface.
func (l *Limiter) Snapshot() AdminSnapshot {
	st := l.current.Load()
	if st == nil {
		return AdminSnapshot{Limits: l.limits}
	}
	return AdminSnapshot{
		PolledAt:           st.polledAt,
		PreviousHourWeight: st.previousHourWeight,
		Features:           st.features,
		Limits:             l.limits,
		OriginEffective:    st.originEffective,
		IPEffective:        st.ipEffective,
		OriginDaily:        st.originDaily,
		IPDaily:            st.ipDaily,
		BlockedOrigins:     len(st.blockedOriginsHourly) + len(st.blockedOriginsDaily),
		BlockedIPs:         len(st.blockedIPsHourly) + len(st.blockedIPsDaily),
	}
}
