// Package admin implements the read-only admin surface from spec §4.9
// and §6: breaker/limiter/blacklist snapshots and an unauthenticated
// liveness probe, gated by a constant-time X-Admin-Key comparison.
// Grounded on the teacher's AdminServer (admin.go): a dedicated listener
// isolated from public traffic, health endpoint on its own mux, pprof
// mounted alongside. Also mounts a real Prometheus /metrics endpoint
// (github.com/prometheus/client_golang), the concrete backing for
// internal/monitoring's MetricProvider interface.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bombom/rpcgate/internal/breaker"
	"github.com/bombom/rpcgate/internal/ratelimit"
)

// BreakerSnapshot is the admin-facing breaker view.
type BreakerSnapshot struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	HasFallback         bool   `json:"hasFallback"`
}

// Provider supplies the live state the admin surface reports.
type Provider interface {
	BreakerSnapshot() BreakerSnapshot
	RateLimitSnapshot() ratelimit.AdminSnapshot
	BlacklistSnapshot() []string
}

// Server is the admin HTTP surface, served on its own listener per
// spec §5 ("the only resources crossing task boundaries ... the admin
// alert sink") to keep it reachable even if public traffic is
// saturated.
type Server struct {
	provider Provider
	adminKey string
	registry *prometheus.Registry

	mux *http.ServeMux
}

// New builds the admin mux. adminKey == "" means every admin endpoint
// (other than /watchdog) answers 403, per spec §4.9. The pprof
// endpoints, mounted only when enablePprof is set, are not key-guarded.
func New(provider Provider, adminKey string, registry *prometheus.Registry, enablePprof bool) *Server {
	s := &Server{provider: provider, adminKey: adminKey, registry: registry}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /watchdog", s.handleWatchdog)
	mux.HandleFunc("GET /status", s.authenticated(s.handleBreakerStatus))
	mux.HandleFunc("GET /ratelimitstatus", s.authenticated(s.handleRateLimitStatus))
	mux.HandleFunc("GET /blackliststatus", s.authenticated(s.handleBlacklistStatus))
	mux.HandleFunc("GET /metrics", s.authenticated(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP))

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.mux = mux
	return s
}

// Handler returns the admin mux for use with an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// authenticated wraps h with spec §4.9's auth contract: unset key ⇒
// 403 always; missing header ⇒ 401; mismatch ⇒ 403.
func (s *Server) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		got := r.Header.Get("X-Admin-Key")
		if got == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleBreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.provider.BreakerSnapshot())
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.RateLimitSnapshot()
	writeJSON(w, limiterStatusView{
		PolledAt:           snap.PolledAt,
		SlidingWindow:      slidingWindowView{PreviousHourWeight: snap.PreviousHourWeight},
		Features:           snap.Features,
		Limits:             snap.Limits,
		OriginEffective:    snap.OriginEffective,
		IPEffective:        snap.IPEffective,
		OriginDaily:        snap.OriginDaily,
		IPDaily:            snap.IPDaily,
		BlockedOriginCount: snap.BlockedOrigins,
		BlockedIPCount:     snap.BlockedIPs,
		TimeUntilReset:     time.Until(snap.PolledAt.Truncate(time.Hour).Add(time.Hour)).String(),
	})
}

type slidingWindowView struct {
	PreviousHourWeight float64 `json:"previousHourWeight"`
}

type limiterStatusView struct {
	PolledAt           time.Time            `json:"polledAt"`
	SlidingWindow      slidingWindowView    `json:"slidingWindow"`
	Features           ratelimit.Features   `json:"features"`
	Limits             ratelimit.Limits     `json:"limits"`
	OriginEffective    map[string]float64   `json:"originEffective"`
	IPEffective        map[string]float64   `json:"ipEffective"`
	OriginDaily        map[string]int64     `json:"originDaily"`
	IPDaily            map[string]int64     `json:"ipDaily"`
	BlockedOriginCount int                  `json:"blockedOriginCount"`
	BlockedIPCount     int                  `json:"blockedIPCount"`
	TimeUntilReset     string               `json:"timeUntilReset"`
}

func (s *Server) handleBlacklistStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"entries": s.provider.BlacklistSnapshot()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// BreakerStateString adapts breaker.State to the admin JSON view.
func BreakerStateString(s breaker.State) string { return s.String() }
