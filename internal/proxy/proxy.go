// Package proxy is the composition root for the request-plane engine:
// it wires the validator, blacklist, rate limiter, breaker-gated
// dispatcher, aggregator, and reject log into the POST `/` / GET `/`
// handlers from spec §6.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bombom/rpcgate/internal/admin"
	"github.com/bombom/rpcgate/internal/aggregate"
	"github.com/bombom/rpcgate/internal/blacklist"
	"github.com/bombom/rpcgate/internal/breaker"
	"github.com/bombom/rpcgate/internal/dispatch"
	"github.com/bombom/rpcgate/internal/monitoring"
	"github.com/bombom/rpcgate/internal/netid"
	"github.com/bombom/rpcgate/internal/ratelimit"
	"github.com/bombom/rpcgate/internal/rejectlog"
	"github.com/bombom/rpcgate/internal/rpcvalidate"
)

// errBlacklisted is the code this implementation uses for a
// blacklisted-IP rejection; spec §4.9/§6 enumerates -32700/-32600/
// -32601/-32005 for validation/rate-limit outcomes but leaves the
// blacklist rejection code unspecified, so a generic JSON-RPC server
// error code is used here (an Open Question resolution, see DESIGN.md).
const errBlacklisted = -32000

// Handler is the HTTP entry point for spec §6's POST `/` / GET `/`.
type Handler struct {
	blacklist  *blacklist.Blacklist
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	rejectLog  *rejectlog.Log
}

// New constructs the composed request-plane handler.
func New(
	bl *blacklist.Blacklist,
	lim *ratelimit.Limiter,
	br *breaker.Breaker,
	disp *dispatch.Dispatcher,
	agg *aggregate.Aggregator,
	rl *rejectlog.Log,
) *Handler {
	return &Handler{blacklist: bl, limiter: lim, breaker: br, dispatcher: disp, aggregator: agg, rejectLog: rl}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	_, span := monitoring.Start(r.Context(), "proxy.handlePOST")
	defer span.End()

	ip := netid.ClientIP(r)
	origin := netid.Origin(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		monitoring.Inc("requests_rejected_total", "reason", "unreadable_body")
		h.reject(w, ip, origin, nil, "failed to read body", -32700, "Parse error")
		return
	}

	if h.blacklist.IsBlacklisted(ip) {
		monitoring.Inc("requests_rejected_total", "reason", "blacklisted")
		h.reject(w, ip, origin, body, "blacklisted ip", errBlacklisted, "Forbidden")
		return
	}

	batch, errResp := rpcvalidate.Parse(body)
	if errResp != nil {
		monitoring.Inc("requests_rejected_total", "reason", "invalid_request")
		h.rejectLog.Reject(ip, origin, errResp.Error.Message, body)
		writeJSONRPCError(w, errResp)
		return
	}

	decision := h.limiter.Check(ip, origin)
	if !decision.Allowed {
		id := batchEchoID(batch)
		monitoring.Inc("requests_rejected_total", "reason", "rate_limited")
		h.rejectLog.Reject(ip, origin, decision.Reason, body)
		w.Header().Set("Retry-After", decision.RetryAfter.String())
		writeJSONRPCError(w, rpcError(id, -32005, "Rate limit exceeded."))
		return
	}

	out := h.dispatcher.ForwardPOST(r.Context(), r.Header, body)
	if out.Err != nil {
		monitoring.Inc("requests_rejected_total", "reason", "upstream_error")
		slog.Error("proxy: upstream dispatch failed", "component", "proxy", "error", out.Err)
		http.Error(w, out.Err.Error(), http.StatusInternalServerError)
		return
	}

	if !out.ActuallyUsedFallback {
		h.aggregator.Credit(ip, origin, int64(len(batch.Requests)))
	}
	monitoring.Inc("requests_accepted_total", "used_fallback", fmt.Sprint(out.ActuallyUsedFallback))

	writeUpstreamResponse(w, out.Response)
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	_, span := monitoring.Start(r.Context(), "proxy.handleGET")
	defer span.End()

	resp, err := h.dispatcher.ForwardGET(r.Context(), r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeUpstreamResponse(w, resp)
}

func (h *Handler) reject(w http.ResponseWriter, ip, origin string, body []byte, reason string, code int, message string) {
	h.rejectLog.Reject(ip, origin, reason, body)
	writeJSONRPCError(w, rpcError(nil, code, message))
}

func rpcError(id interface{}, code int, message string) *rpcvalidate.ErrorResponse {
	return &rpcvalidate.ErrorResponse{JSONRPC: "2.0", ID: id, Error: rpcvalidate.RPCError{Code: code, Message: message}}
}

func batchEchoID(batch *rpcvalidate.Batch) interface{} {
	if batch == nil || batch.IsBatch || len(batch.Requests) != 1 {
		return nil
	}
	return batch.Requests[0].ID
}

func writeJSONRPCError(w http.ResponseWriter, errResp *rpcvalidate.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(errResp)
}

func writeUpstreamResponse(w http.ResponseWriter, resp *dispatch.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// admin.Provider implementation, so this Handler can back the admin
// surface directly.
var _ admin.Provider = (*Handler)(nil)

func (h *Handler) BreakerSnapshot() admin.BreakerSnapshot {
	return admin.BreakerSnapshot{
		State:               h.breaker.State().String(),
		ConsecutiveFailures: h.breaker.ConsecutiveFailures(),
		HasFallback:         h.breaker.HasFallback(),
	}
}

func (h *Handler) RateLimitSnapshot() ratelimit.AdminSnapshot {
	return h.limiter.Snapshot()
}

func (h *Handler) BlacklistSnapshot() []string {
	return h.blacklist.Snapshot()
}

// Shutdown releases background loops owned by the composed components.
func (h *Handler) Shutdown(ctx context.Context) {
	h.blacklist.Close()
	h.limiter.Close()
	h.aggregator.Close()
	h.rejectLog.Close()
}
