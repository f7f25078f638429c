// Package store implements the Postgres-backed counter/history adapter
// from spec §4.8 on top of database/sql, registering
// github.com/jackc/pgx/v5/stdlib as the driver (jordigilh-kubernaut
// go.mod) rather than hand-rolling a wire-protocol client.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bombom/rpcgate/internal/aggregate"
	"github.com/bombom/rpcgate/internal/netid"
	"github.com/bombom/rpcgate/internal/ratelimit"
)

// mergeFuncName is the optional Postgres helper spec §4.8 describes:
// "a helper function providing this ADD-merge is detected at runtime".
const mergeFuncName = "rpcgate_jsonb_add_merge"

const historyRetention = 30 * 24 * time.Hour
const historyCleanupInterval = 24 * time.Hour

// Store is the counter/history adapter. One *Store is shared by the
// aggregator's flush loop and the rate limiter's poll loop; database/sql
// owns the pooled connections (spec §5: "bounded connection pool; one
// pooled connection is held per batch upsert").
type Store struct {
	db *sql.DB

	mu                 sync.Mutex
	lastGlobalReset    time.Time
	lastDayReset       time.Time
	lastMonthReset     time.Time
	lastHistoryCleanup time.Time
	timestampsLoaded   bool

	featuresOnce sync.Once
	features     ratelimit.Features
	featuresErr  error

	mergeFnOnce     sync.Once
	hasMergeFn      bool
	hasMergeFnErr   error
}

// Open opens a pooled connection to dsn and bounds the pool size per
// spec §5.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests with go-sqlmock).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DetectFeatures reads feature flags once per process (spec §4.4 step
// 1): whether the sliding-window, daily-limit, and per-hour origin-map
// columns exist on the counters table.
func (s *Store) DetectFeatures(ctx context.Context) (ratelimit.Features, error) {
	s.featuresOnce.Do(func() {
		cols, err := s.existingColumns(ctx, "counters")
		if err != nil {
			s.featuresErr = err
			return
		}
		s.features = ratelimit.Features{
			SlidingWindow:    cols["requests_previous_hour"],
			DailyLimits:      cols["requests_today"],
			PerHourOriginMap: cols["origins_last_hour"],
		}
	})
	return s.features, s.featuresErr
}

func (s *Store) existingColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("store: detect columns: %w", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *Store) hasMergeFunc(ctx context.Context) bool {
	s.mergeFnOnce.Do(func() {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = $1)`, mergeFuncName).Scan(&exists)
		if err != nil {
			s.hasMergeFnErr = err
			return
		}
		s.hasMergeFn = exists
	})
	if s.hasMergeFnErr != nil {
		slog.Warn("store: failed to detect ADD-merge helper, falling back to last-write-wins",
			"component", "store", "error", s.hasMergeFnErr)
		return false
	}
	return s.hasMergeFn
}

// RateLimitSnapshot implements the query side of spec §4.4 steps 3-5:
// per-origin/per-IP current+previous hourly counts and daily totals,
// each capped at 10000 rows ordered by count descending.
func (s *Store) RateLimitSnapshot(ctx context.Context) (ratelimit.Snapshot, error) {
	features, err := s.DetectFeatures(ctx)
	if err != nil {
		return ratelimit.Snapshot{}, err
	}

	snap := ratelimit.Snapshot{
		OriginHourly: map[string]ratelimit.Counts{},
		IPHourly:     map[string]ratelimit.Counts{},
		OriginDaily:  map[string]int64{},
		IPDaily:      map[string]int64{},
	}

	ipRows, err := s.db.QueryContext(ctx,
		`SELECT ip, requests_last_hour, requests_previous_hour FROM counters
		 ORDER BY requests_last_hour + requests_previous_hour DESC LIMIT 10000`)
	if err != nil {
		return ratelimit.Snapshot{}, fmt.Errorf("store: query ip hourly: %w", err)
	}
	for ipRows.Next() {
		var ip string
		var current, previous int64
		if err := ipRows.Scan(&ip, &current, &previous); err != nil {
			ipRows.Close()
			return ratelimit.Snapshot{}, err
		}
		snap.IPHourly[ip] = ratelimit.Counts{Current: current, Previous: previous}
	}
	ipRows.Close()
	if err := ipRows.Err(); err != nil {
		return ratelimit.Snapshot{}, err
	}

	originRows, err := s.db.QueryContext(ctx,
		`SELECT key, SUM((value::text)::bigint) AS current,
		        COALESCE((SELECT SUM((o2.value::text)::bigint) FROM counters c2,
		                  jsonb_each(c2.origins_previous_hour) o2 WHERE o2.key = jsonb_each.key), 0) AS previous
		 FROM counters, jsonb_each(origins_last_hour)
		 GROUP BY key ORDER BY current DESC LIMIT 10000`)
	if err != nil {
		return ratelimit.Snapshot{}, fmt.Errorf("store: query origin hourly: %w", err)
	}
	for originRows.Next() {
		var origin string
		var current, previous int64
		if err := originRows.Scan(&origin, &current, &previous); err != nil {
			originRows.Close()
			return ratelimit.Snapshot{}, err
		}
		snap.OriginHourly[origin] = ratelimit.Counts{Current: current, Previous: previous}
	}
	originRows.Close()
	if err := originRows.Err(); err != nil {
		return ratelimit.Snapshot{}, err
	}

	if features.DailyLimits {
		dailyIPRows, err := s.db.QueryContext(ctx,
			`SELECT ip, requests_today FROM counters ORDER BY requests_today DESC LIMIT 10000`)
		if err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("store: query ip daily: %w", err)
		}
		for dailyIPRows.Next() {
			var ip string
			var n int64
			if err := dailyIPRows.Scan(&ip, &n); err != nil {
				dailyIPRows.Close()
				return ratelimit.Snapshot{}, err
			}
			snap.IPDaily[ip] = n
		}
		dailyIPRows.Close()
		if err := dailyIPRows.Err(); err != nil {
			return ratelimit.Snapshot{}, err
		}

		dailyOriginRows, err := s.db.QueryContext(ctx,
			`SELECT key, SUM((value::text)::bigint) FROM counters, jsonb_each(origins_today)
			 GROUP BY key ORDER BY 2 DESC LIMIT 10000`)
		if err != nil {
			return ratelimit.Snapshot{}, fmt.Errorf("store: query origin daily: %w", err)
		}
		for dailyOriginRows.Next() {
			var origin string
			var n int64
			if err := dailyOriginRows.Scan(&origin, &n); err != nil {
				dailyOriginRows.Close()
				return ratelimit.Snapshot{}, err
			}
			snap.OriginDaily[origin] = n
		}
		dailyOriginRows.Close()
		if err := dailyOriginRows.Err(); err != nil {
			return ratelimit.Snapshot{}, err
		}
	}

	return snap, nil
}

// UpdateIPCounts is the aggregate.IPStore implementation: it runs the
// global reset protocol (spec §4.8 steps 1-4) then upserts one row per
// IP in the batch (spec §4.8's per-IP upsert + merge rule).
func (s *Store) UpdateIPCounts(ctx context.Context, counts map[string]aggregate.IPCount) error {
	if err := s.loadCachedTimestamps(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	features, err := s.DetectFeatures(ctx)
	if err != nil {
		slog.Error("store: failed to detect schema features, degrading to hourly/monthly-only writes",
			"component", "store", "error", err)
	}

	if err := s.resetMonthlyCounters(ctx, tx); err != nil {
		return err
	}
	if err := s.resetDailyCounters(ctx, tx, features.DailyLimits); err != nil {
		return err
	}
	if err := s.resetHourlyCounters(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit resets: %w", err)
	}

	useMerge := s.hasMergeFunc(ctx)

	for ip, count := range counts {
		if err := s.upsertOne(ctx, ip, count, useMerge, features.DailyLimits); err != nil {
			// Per-IP error isolation (spec §4.8): log and continue.
			slog.Error("store: upsert failed for ip, continuing batch",
				"component", "store", "ip", ip, "error", err)
		}
	}

	s.maybeCleanupHistory(ctx)

	return nil
}

func (s *Store) loadCachedTimestamps(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timestampsLoaded {
		return nil
	}

	var minHour, minMonth sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(last_reset_timestamp), MIN(last_month_reset_timestamp) FROM counters`).Scan(&minHour, &minMonth)
	if err != nil {
		return fmt.Errorf("store: load cached timestamps: %w", err)
	}

	now := time.Now().UTC()
	if minHour.Valid {
		s.lastGlobalReset = time.Unix(minHour.Int64, 0).UTC()
	} else {
		s.lastGlobalReset = currentHourStart(now)
	}
	if minMonth.Valid {
		s.lastMonthReset = time.Unix(minMonth.Int64, 0).UTC()
	} else {
		s.lastMonthReset = currentMonthStart(now)
	}
	s.lastDayReset = currentDayStart(now)
	s.timestampsLoaded = true
	return nil
}

func currentHourStart(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

func currentDayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func currentMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (s *Store) resetMonthlyCounters(ctx context.Context, tx *sql.Tx) error {
	s.mu.Lock()
	now := time.Now().UTC()
	monthStart := currentMonthStart(now)
	needsReset := monthStart.After(s.lastMonthReset)
	s.mu.Unlock()
	if !needsReset {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE counters SET requests_this_month = 0, last_month_reset_timestamp = $1`,
		monthStart.Unix()); err != nil {
		return fmt.Errorf("store: reset monthly counters: %w", err)
	}

	s.mu.Lock()
	s.lastMonthReset = monthStart
	s.mu.Unlock()
	return nil
}

func (s *Store) resetDailyCounters(ctx context.Context, tx *sql.Tx, dailyLimits bool) error {
	if !dailyLimits {
		// Schema lacks the requests_today/origins_today column family
		// (spec §7.6 "schema feature absence") — nothing to reset.
		return nil
	}

	s.mu.Lock()
	now := time.Now().UTC()
	dayStart := currentDayStart(now)
	needsReset := dayStart.After(s.lastDayReset)
	s.mu.Unlock()
	if !needsReset {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE counters SET requests_today = 0, origins_today = '{}'::jsonb, last_day_reset_timestamp = $1`,
		dayStart.Unix()); err != nil {
		return fmt.Errorf("store: reset daily counters: %w", err)
	}

	s.mu.Lock()
	s.lastDayReset = dayStart
	s.mu.Unlock()
	return nil
}

func (s *Store) resetHourlyCounters(ctx context.Context, tx *sql.Tx) error {
	s.mu.Lock()
	now := time.Now().UTC()
	hourStart := currentHourStart(now)
	prevReset := s.lastGlobalReset
	needsReset := hourStart.After(prevReset)
	s.mu.Unlock()
	if !needsReset {
		return nil
	}

	// Snapshot: one history row per IP with requests_last_hour > 0,
	// taken before the shift zeroes that window (spec §4.8 step 3a,
	// invariant P4).
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (hour_timestamp, ip, request_count, origins_for_hour)
		 SELECT $1, ip, requests_last_hour, origins_last_hour FROM counters
		 WHERE requests_last_hour > 0
		 ON CONFLICT (hour_timestamp, ip) DO NOTHING`, prevReset.Unix()); err != nil {
		return fmt.Errorf("store: snapshot hourly history: %w", err)
	}

	skippedMultipleHours := hourStart.Sub(prevReset) > time.Hour

	var err error
	if skippedMultipleHours {
		// The process was down or idle for more than an hour: clear
		// both windows rather than shifting stale data forward.
		_, err = tx.ExecContext(ctx,
			`UPDATE counters SET
				requests_last_hour = 0, origins_last_hour = '{}'::jsonb,
				requests_previous_hour = 0, origins_previous_hour = '{}'::jsonb,
				last_reset_timestamp = $1`, hourStart.Unix())
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE counters SET
				requests_previous_hour = requests_last_hour, origins_previous_hour = origins_last_hour,
				requests_last_hour = 0, origins_last_hour = '{}'::jsonb,
				last_reset_timestamp = $1`, hourStart.Unix())
	}
	if err != nil {
		return fmt.Errorf("store: shift hourly counters: %w", err)
	}

	s.mu.Lock()
	s.lastGlobalReset = hourStart
	s.mu.Unlock()
	return nil
}

func (s *Store) maybeCleanupHistory(ctx context.Context) {
	s.mu.Lock()
	now := time.Now().UTC()
	due := now.Sub(s.lastHistoryCleanup) >= historyCleanupInterval
	if due {
		s.lastHistoryCleanup = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	cutoff := now.Add(-historyRetention).Unix()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE hour_timestamp < $1`, cutoff); err != nil {
		slog.Error("store: history cleanup failed", "component", "store", "error", err)
	}
}

func (s *Store) upsertOne(ctx context.Context, ip string, count aggregate.IPCount, useMerge, dailyLimits bool) error {
	filtered := filterLocalLikeOrigins(count.Origins)
	originsJSON, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("store: marshal origins for %s: %w", ip, err)
	}

	s.mu.Lock()
	resetTS := s.lastGlobalReset.Unix()
	dayTS := s.lastDayReset.Unix()
	monthTS := s.lastMonthReset.Unix()
	s.mu.Unlock()

	if !useMerge {
		slog.Warn("store: ADD-merge helper absent, using last-write-wins for origin maps",
			"component", "store", "ip", ip)
	}

	if dailyLimits {
		query := fmt.Sprintf(`
			INSERT INTO counters (
				ip, requests_total, requests_last_hour, origins_last_hour,
				requests_this_month, requests_today, origins_today, origins,
				last_reset_timestamp, last_day_reset_timestamp, last_month_reset_timestamp, updated_at
			) VALUES ($1, $2, $2, $3, $2, $2, $3, $3, $4, $5, $6, now())
			ON CONFLICT (ip) DO UPDATE SET
				requests_total = counters.requests_total + excluded.requests_total,
				requests_last_hour = counters.requests_last_hour + excluded.requests_last_hour,
				requests_this_month = counters.requests_this_month + excluded.requests_this_month,
				requests_today = counters.requests_today + excluded.requests_today,
				origins_today = %s,
				origins_last_hour = %s,
				origins = %s,
				updated_at = now()
		`, mergeExprFor("origins_today", useMerge), mergeExprFor("origins_last_hour", useMerge), mergeExprFor("origins", useMerge))

		_, err = s.db.ExecContext(ctx, query, ip, count.Count, string(originsJSON), resetTS, dayTS, monthTS)
	} else {
		// Degraded schema (spec §7.6): no requests_today/origins_today
		// column family — upsert the hourly/monthly/total columns the
		// capability record confirmed exist, same as the read path's
		// features.DailyLimits gate in RateLimitSnapshot.
		query := fmt.Sprintf(`
			INSERT INTO counters (
				ip, requests_total, requests_last_hour, origins_last_hour,
				requests_this_month, origins,
				last_reset_timestamp, last_month_reset_timestamp, updated_at
			) VALUES ($1, $2, $2, $3, $2, $3, $4, $5, now())
			ON CONFLICT (ip) DO UPDATE SET
				requests_total = counters.requests_total + excluded.requests_total,
				requests_last_hour = counters.requests_last_hour + excluded.requests_last_hour,
				requests_this_month = counters.requests_this_month + excluded.requests_this_month,
				origins_last_hour = %s,
				origins = %s,
				updated_at = now()
		`, mergeExprFor("origins_last_hour", useMerge), mergeExprFor("origins", useMerge))

		_, err = s.db.ExecContext(ctx, query, ip, count.Count, string(originsJSON), resetTS, monthTS)
	}
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", ip, err)
	}
	return nil
}

func mergeExprFor(col string, useMerge bool) string {
	if useMerge {
		return fmt.Sprintf("%s(counters.%s, excluded.%s)", mergeFuncName, col, col)
	}
	return "excluded." + col
}

// filterLocalLikeOrigins drops any origin classified LocalLike per §3
// before the upsert (spec §4.8's "origin pre-filter"). A failure on
// one origin yields an empty map rather than aborting the batch.
func filterLocalLikeOrigins(origins map[string]int64) (filtered map[string]int64) {
	filtered = map[string]int64{}
	defer func() {
		if recover() != nil {
			filtered = map[string]int64{}
		}
	}()
	for origin, n := range origins {
		if netid.Classify(origin) == netid.Public {
			filtered[origin] = n
		}
	}
	return filtered
}
