package rejectlog

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Write(lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, lines...)
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestRejectFormatsLine(t *testing.T) {
	sink := &captureSink{}
	l := New(sink)
	defer l.Close()

	l.Reject("1.2.3.4", "https://example.com", "rate limited", []byte(`{"method":"eth_call"}`))
	l.Close()

	lines := sink.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %v", lines)
	}
	if !strings.Contains(lines[0], "1.2.3.4") || !strings.Contains(lines[0], "rate limited") {
		t.Errorf("unexpected line: %q", lines[0])
	}
}

func TestRejectTruncatesLongBody(t *testing.T) {
	sink := &captureSink{}
	l := New(sink)
	defer l.Close()

	body := strings.Repeat("a", 2000)
	l.Reject("1.2.3.4", "origin", "reason", []byte(body))
	l.Close()

	lines := sink.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[0], "[truncated]") {
		t.Errorf("expected truncated suffix, got %q", lines[0][len(lines[0])-30:])
	}
}

func TestFlushesAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	l := New(sink)
	defer l.Close()

	for i := 0; i < flushSize; i++ {
		l.Reject("1.2.3.4", "origin", "reason", []byte("x"))
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.snapshot()) < flushSize && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(sink.snapshot()); got != flushSize {
		t.Errorf("expected %d flushed lines, got %d", flushSize, got)
	}
}
