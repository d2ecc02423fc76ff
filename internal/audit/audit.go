package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusInvalid = "invalid_arguments"
	StatusFailed  = "failed"
)

// Entry describes one tool invocation.
type Entry struct {
	Tool         string
	Query        string
	Status       string
	Duration     time.Duration
	ResultChars  int
	WebSearches  int
	Queries      []string
	ConnectionID string
	Error        string
}

// Recorder keeps an audit trail of tool invocations. Record must not block
// the caller on slow sinks.
type Recorder interface {
	Record(ctx context.Context, e Entry)
	Close() error
}

func (e Entry) payload() map[string]interface{} {
	p := map[string]interface{}{
		"tool":         e.Tool,
		"query":        e.Query,
		"status":       e.Status,
		"duration_ms":  e.Duration.Milliseconds(),
		"result_chars": e.ResultChars,
		"web_searches": e.WebSearches,
	}
	if len(e.Queries) > 0 {
		p["search_queries"] = e.Queries
	}
	if e.ConnectionID != "" {
		p["connection_id"] = e.ConnectionID
	}
	if e.Error != "" {
		p["error"] = e.Error
	}
	return p
}

// LogRecorder writes audit entries to the process log.
type LogRecorder struct{}

func NewLogRecorder() *LogRecorder {
	return &LogRecorder{}
}

func (r *LogRecorder) Record(ctx context.Context, e Entry) {
	event := zerolog.Ctx(ctx).Info()
	if e.Status != StatusSuccess {
		event = zerolog.Ctx(ctx).Warn()
	}
	event.
		Str("audit", "tool_call").
		Fields(e.payload()).
		Msg("tool call audited")
}

func (r *LogRecorder) Close() error {
	return nil
}
