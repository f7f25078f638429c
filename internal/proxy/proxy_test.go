package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bombom/rpcgate/internal/aggregate"
	"github.com/bombom/rpcgate/internal/blacklist"
	"github.com/bombom/rpcgate/internal/breaker"
	"github.com/bombom/rpcgate/internal/dispatch"
	"github.com/bombom/rpcgate/internal/ratelimit"
	"github.com/bombom/rpcgate/internal/rejectlog"
)

type fakeIPStore struct {
	credited map[string]aggregate.IPCount
}

func (f *fakeIPStore) UpdateIPCounts(ctx context.Context, counts map[string]aggregate.IPCount) error {
	f.credited = counts
	return nil
}

type captureSink struct{ lines []string }

func (c *captureSink) Write(lines []string) { c.lines = append(c.lines, lines...) }

func newTestHandler(t *testing.T, upstream *httptest.Server, limits ratelimit.Limits) (*Handler, *aggregate.Aggregator, *captureSink) {
	t.Helper()

	bl := blacklist.New("/nonexistent/rpcgate-test-blacklist")

	lim := ratelimit.New(noopSource{}, limits, time.Hour, 1000, 1000)

	br := breaker.New(breaker.Settings{Name: "test", HasFallback: false})
	disp := dispatch.New(upstream.URL, "", br, 5*time.Second)

	store := &fakeIPStore{}
	agg := aggregate.New(aggregate.LoggingOriginUpdater{}, store, aggregate.NopSettlement{}, time.Hour, nil)

	sink := &captureSink{}
	rl := rejectlog.New(sink)

	return New(bl, lim, br, disp, agg, rl), agg, sink
}

type noopSource struct{}

func (noopSource) DetectFeatures(ctx context.Context) (ratelimit.Features, error) {
	return ratelimit.Features{}, nil
}

func (noopSource) RateLimitSnapshot(ctx context.Context) (ratelimit.Snapshot, error) {
	return ratelimit.Snapshot{}, nil
}

func TestHandlePOSTForwardsValidRequestAndCredits(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer upstream.Close()

	h, agg, _ := newTestHandler(t, upstream, ratelimit.Limits{OriginHourly: 1000, IPHourly: 1000, OriginDaily: 10000, IPDaily: 10000})
	defer h.Shutdown(context.Background())
	defer agg.Close()

	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	urlCounts, ipCounts := agg.Snapshot()
	if len(urlCounts) == 0 && len(ipCounts) == 0 {
		t.Fatalf("expected credited demand, got none")
	}
}

func TestHandlePOSTRejectsBlockedNamespace(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should not be called for a blocked namespace")
	}))
	defer upstream.Close()

	h, agg, sink := newTestHandler(t, upstream, ratelimit.Limits{OriginHourly: 1000, IPHourly: 1000, OriginDaily: 10000, IPDaily: 10000})
	defer h.Shutdown(context.Background())
	defer agg.Close()

	body := []byte(`{"jsonrpc":"2.0","method":"admin_nodeInfo","id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	got, _ := io.ReadAll(rr.Body)
	if !bytes.Contains(got, []byte("-32601")) {
		t.Fatalf("expected -32601 error, got %s", got)
	}
	if len(sink.lines) == 0 {
		time.Sleep(1100 * time.Millisecond)
		if len(sink.lines) == 0 {
			t.Fatalf("expected a reject-log entry")
		}
	}
}

func TestHandlePOSTRejectsBlacklistedIPWithoutConsultingLimiter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should not be called for a blacklisted IP")
	}))
	defer upstream.Close()

	h, agg, _ := newTestHandler(t, upstream, ratelimit.Limits{})
	defer h.Shutdown(context.Background())
	defer agg.Close()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)))
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Real-IP", "203.0.113.5")

	// Simulate a blacklisted IP by swapping the handler's blacklist set directly via a fresh Blacklist backed by a file.
	blPath := writeTempBlacklist(t, "203.0.113.5\n")
	h.blacklist.Close()
	h.blacklist = blacklist.New(blPath)
	time.Sleep(50 * time.Millisecond)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	got, _ := io.ReadAll(rr.Body)
	if !bytes.Contains(got, []byte("-32000")) {
		t.Fatalf("expected blacklist rejection error, got %s", got)
	}
}

func writeTempBlacklist(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir() + "/blacklist.txt"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp blacklist: %v", err)
	}
	return tmp
}
