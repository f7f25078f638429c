package monitoring

import (
	"context"
	"log/slog"
	"time"
)

// Span represents a single operation
type Span interface {
	End()
}

// SimpleSpan logs when an operation finished.
type SimpleSpan struct {
	Name      string
	StartTime time.Time
}

func (s *SimpleSpan) End() {
	slog.Debug("span finished", "component", "monitoring", "span", s.Name, "duration", time.Since(s.StartTime))
}

// Start creates a new span.
func Start(ctx context.Context, name string) (context.Context, Span) {
	slog.Debug("span started", "component", "monitoring", "span", name)
	return ctx, &SimpleSpan{
		Name:      name,
		StartTime: time.Now(),
	}
}
