// Package dispatch implements the breaker-gated dual-upstream forwarder
// from spec §4.6. The single long-lived *http.Client (constructed once,
// reused across requests) follows the teacher's fallback-client pattern
// in server.go, generalized to both the primary and fallback upstream.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bombom/rpcgate/internal/breaker"
)

// fallbackTotal is the whole time budget of a fallback call, request
// timeout plus buffer (spec §4.6 step 2: "requestTimeout+buffer
// (15 s total)").
const fallbackTotal = 15 * time.Second

// Response is an upstream reply, captured verbatim for relay to the
// client.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Dispatcher forwards JSON-RPC traffic to a primary upstream, falling
// back to a secondary one per the breaker's routing decision.
type Dispatcher struct {
	primaryURL     string
	fallbackURL    string
	hasFallback    bool
	client         *http.Client
	breaker        *breaker.Breaker
	requestTimeout time.Duration
}

// New constructs a Dispatcher. fallbackURL == "" means no fallback is
// configured.
func New(primaryURL, fallbackURL string, b *breaker.Breaker, requestTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		primaryURL:     primaryURL,
		fallbackURL:    fallbackURL,
		hasFallback:    fallbackURL != "",
		client:         &http.Client{},
		breaker:        b,
		requestTimeout: requestTimeout,
	}
}

// Outcome is the result of a POST dispatch (spec §4.6).
type Outcome struct {
	Response        *Response
	ActuallyUsedFallback bool
	Err             error
}

// errUpstreamStatus marks a primary response whose status line itself
// is a failure (spec §4.6 step 4: "on primary failure ... return HTTP
// 500 or upstream's status") — a transport-level success with a 5xx
// body is still a breaker failure, not a relayable response.
var errUpstreamStatus = errors.New("dispatch: primary returned failure status")

// ForwardPOST implements the full §4.6 contract: ask the breaker for a
// routing decision, forward accordingly, and on primary failure retry
// once via the fallback.
func (d *Dispatcher) ForwardPOST(ctx context.Context, clientHeaders http.Header, body []byte) Outcome {
	if d.breaker.RouteDecision() {
		resp, err := d.call(ctx, d.fallbackURL, sanitizedHeaders(clientHeaders), body, fallbackTotal)
		return Outcome{Response: resp, ActuallyUsedFallback: true, Err: err}
	}

	var primaryResp *Response
	err := d.breaker.Do(ctx, func(ctx context.Context) error {
		resp, callErr := d.call(ctx, d.primaryURL, primaryHeaders(clientHeaders), body, d.requestTimeout)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %d", errUpstreamStatus, resp.StatusCode)
		}
		primaryResp = resp
		return nil
	})
	if err == nil {
		return Outcome{Response: primaryResp, ActuallyUsedFallback: false}
	}

	if !d.hasFallback {
		return Outcome{Err: err}
	}

	resp, fbErr := d.call(ctx, d.fallbackURL, sanitizedHeaders(clientHeaders), body, fallbackTotal)
	if fbErr != nil {
		return Outcome{Err: fbErr}
	}
	return Outcome{Response: resp, ActuallyUsedFallback: true}
}

// ForwardGET tries primary then fallback; neither outcome touches the
// breaker (spec §4.6: "GET / is handled separately").
func (d *Dispatcher) ForwardGET(ctx context.Context, clientHeaders http.Header) (*Response, error) {
	resp, err := d.call(ctx, d.primaryURL, primaryHeaders(clientHeaders), nil, d.requestTimeout)
	if err == nil {
		return resp, nil
	}
	if !d.hasFallback {
		return nil, err
	}
	return d.call(ctx, d.fallbackURL, sanitizedHeaders(clientHeaders), nil, fallbackTotal)
}

func (d *Dispatcher) call(ctx context.Context, url string, headers http.Header, body []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := http.MethodPost
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}, nil
}

// primaryHeaders forwards the client's headers, forcing JSON content
// type (spec §4.6 step 3).
func primaryHeaders(client http.Header) http.Header {
	h := client.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/json")
	return h
}

// sanitizedHeaders is the minimal header set sent to the fallback
// upstream: JSON content type plus pass-through User-Agent only (spec
// §4.6 step 2).
func sanitizedHeaders(client http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if ua := client.Get("User-Agent"); ua != "" {
		h.Set("User-Agent", ua)
	}
	return h
}
