// Package aggregate implements the in-memory request aggregator and
// flush loop from spec §4.7: two mutex-guarded maps mutated by request
// threads, swapped out and drained by a periodic flush loop. The
// swap-then-merge-back-on-failure shape is grounded on the teacher's
// RateLimiter cleanup/flush goroutine (middlewares/rate_limit.go),
// generalized from a single map to the origin+IP pair spec §3 requires.
package aggregate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bombom/rpcgate/internal/netid"
)

// IPCount is the per-IP accounting bucket (spec §3 Aggregator state).
type IPCount struct {
	Count   int64
	Origins map[string]int64
}

// OriginUpdater credits per-origin demand externally (the "origin-demand
// updater" external collaborator spec §4.7 step 3 refers to).
type OriginUpdater interface {
	UpdateOrigins(ctx context.Context, counts map[string]int64) error
}

// IPStore credits per-IP demand into the relational store (internal/store
// satisfies this).
type IPStore interface {
	UpdateIPCounts(ctx context.Context, counts map[string]IPCount) error
}

// SettlementStep is invoked every 10 successful flush cycles (spec
// §4.7 step 5): the external settlement-transfer step.
type SettlementStep interface {
	Settle(ctx context.Context) error
}

// NopSettlement is used when no settlement step is configured.
type NopSettlement struct{}

func (NopSettlement) Settle(ctx context.Context) error { return nil }

// LoggingOriginUpdater is the default OriginUpdater: origin demand is
// genuinely out of scope for this proxy (spec.md §1 — "the proxy only
// produces demand counts for a separate settlement component"), so
// absent a real collaborator it just logs what would have been sent.
type LoggingOriginUpdater struct{}

func (LoggingOriginUpdater) UpdateOrigins(ctx context.Context, counts map[string]int64) error {
	slog.Info("aggregate: origin demand (no external collaborator configured)",
		"component", "aggregate", "origins", counts)
	return nil
}

// Aggregator accumulates per-origin and per-IP request counts and
// periodically drains them to external collaborators.
type Aggregator struct {
	mu          sync.Mutex
	urlCounts   map[string]int64
	ipCounts    map[string]IPCount
	syntheticOrigins map[string]struct{}

	origins    OriginUpdater
	store      IPStore
	settlement SettlementStep

	flushing  atomic.Bool
	successes atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an Aggregator and starts its flush loop. syntheticOrigins
// lists configured non-real origins (e.g. health-check callers) whose
// traffic must never be credited.
func New(origins OriginUpdater, store IPStore, settlement SettlementStep, interval time.Duration, syntheticOrigins []string) *Aggregator {
	if settlement == nil {
		settlement = NopSettlement{}
	}
	syn := make(map[string]struct{}, len(syntheticOrigins))
	for _, o := range syntheticOrigins {
		syn[cleanOrigin(o)] = struct{}{}
	}
	a := &Aggregator{
		urlCounts:        map[string]int64{},
		ipCounts:         map[string]IPCount{},
		syntheticOrigins: syn,
		origins:          origins,
		store:            store,
		settlement:       settlement,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	go a.run(interval)
	return a
}

// Close stops the flush loop.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

// Credit records n successful requests for origin/ip (spec §4.7's
// updateUrlCountMap + updateIpCountMap, invoked together per request).
func (a *Aggregator) Credit(ip, origin string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateURLCountLocked(origin, n)
	a.updateIPCountLocked(ip, origin, n)
}

func (a *Aggregator) updateURLCountLocked(origin string, n int64) {
	clean := cleanOrigin(origin)
	if clean == "" || strings.Contains(clean, "localhost") {
		return
	}
	if _, synthetic := a.syntheticOrigins[clean]; synthetic {
		return
	}
	a.urlCounts[clean] += n
}

func (a *Aggregator) updateIPCountLocked(ip, origin string, n int64) {
	if ip == "" || ip == netid.Unknown || isLoopbackIP(ip) {
		return
	}
	clean := cleanOrigin(origin)
	if _, synthetic := a.syntheticOrigins[clean]; synthetic {
		return
	}

	entry, ok := a.ipCounts[ip]
	if !ok {
		entry = IPCount{Origins: map[string]int64{}}
	}
	entry.Count += n
	if clean != "" && netid.Classify(origin) == netid.Public {
		entry.Origins[clean] += n
	}
	a.ipCounts[ip] = entry
}

func cleanOrigin(origin string) string {
	o := origin
	if idx := strings.Index(o, "://"); idx >= 0 {
		o = o[idx+3:]
	}
	o = strings.TrimSuffix(o, "/")
	return o
}

func isLoopbackIP(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

func (a *Aggregator) run(interval time.Duration) {
	defer close(a.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.flushOnce(context.Background())
		}
	}
}

// flushOnce implements spec §4.7's flush loop steps 1-5.
func (a *Aggregator) flushOnce(ctx context.Context) {
	if !a.flushing.CompareAndSwap(false, true) {
		return // a previous flush is still running; skip this tick.
	}
	defer a.flushing.Store(false)

	urls, ips := a.swap()

	// The store's reset/snapshot protocol (hourly shift, daily/monthly
	// rollover) must run every tick even with nothing to credit, or an
	// idle hour boundary defers it until the next billed request.
	var urlErr, ipErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if a.origins != nil && len(urls) > 0 {
			urlErr = a.origins.UpdateOrigins(ctx, urls)
		}
	}()
	go func() {
		defer wg.Done()
		if a.store != nil {
			ipErr = a.store.UpdateIPCounts(ctx, ips)
		}
	}()
	wg.Wait()

	if urlErr != nil || ipErr != nil {
		slog.Warn("aggregate: flush failed, merging back for retry",
			"component", "aggregate", "url_error", urlErr, "ip_error", ipErr)
		a.mergeBack(urls, ips)
		return
	}

	n := a.successes.Add(1)
	if n%10 == 0 {
		if err := a.settlement.Settle(ctx); err != nil {
			slog.Error("aggregate: settlement step failed",
				"component", "aggregate", "error", err)
		}
	}
}

func (a *Aggregator) swap() (map[string]int64, map[string]IPCount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	urls := a.urlCounts
	ips := a.ipCounts
	a.urlCounts = map[string]int64{}
	a.ipCounts = map[string]IPCount{}
	return urls, ips
}

// mergeBack re-merges swapped-out values into the live maps, summing
// counts per key and per-origin sub-counts per IP, so the next cycle
// retries the same demand.
func (a *Aggregator) mergeBack(urls map[string]int64, ips map[string]IPCount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for origin, n := range urls {
		a.urlCounts[origin] += n
	}
	for ip, c := range ips {
		entry, ok := a.ipCounts[ip]
		if !ok {
			entry = IPCount{Origins: map[string]int64{}}
		}
		entry.Count += c.Count
		for origin, n := range c.Origins {
			entry.Origins[origin] += n
		}
		a.ipCounts[ip] = entry
	}
}

// Snapshot returns the current in-flight (not yet flushed) counts, for
// diagnostics.
func (a *Aggregator) Snapshot() (map[string]int64, map[string]IPCount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	urls := make(map[string]int64, len(a.urlCounts))
	for k, v := range a.urlCounts {
		urls[k] = v
	}
	ips := make(map[string]IPCount, len(a.ipCounts))
	for k, v := range a.ipCounts {
		origins := make(map[string]int64, len(v.Origins))
		for o, n := range v.Origins {
			origins[o] = n
		}
		ips[k] = IPCount{Count: v.Count, Origins: origins}
	}
	return urls, ips
}
