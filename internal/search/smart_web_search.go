package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/takashabe/smart-web-search-mcp/internal/audit"
	"github.com/takashabe/smart-web-search-mcp/internal/mcp"
	"github.com/takashabe/smart-web-search-mcp/internal/metrics"
	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

const ToolName = "smart_web_search"

// SmartWebSearchTool is the smart_web_search MCP tool backed by a Searcher.
type SmartWebSearchTool struct {
	searcher       Searcher
	recorder       audit.Recorder
	timeout        time.Duration
	includeSources bool
}

// SmartWebSearchArgs are the decoded tools/call arguments.
type SmartWebSearchArgs struct {
	Query string `json:"query"`
}

type ToolOption func(*SmartWebSearchTool)

// WithTimeout bounds a whole call, continuations and retries included.
func WithTimeout(d time.Duration) ToolOption {
	return func(t *SmartWebSearchTool) { t.timeout = d }
}

// WithSources appends the cited pages to the answer text.
func WithSources(include bool) ToolOption {
	return func(t *SmartWebSearchTool) { t.includeSources = include }
}

var _ mcp.Tool = (*SmartWebSearchTool)(nil)

// NewSmartWebSearchTool returns the tool. A nil recorder logs audit entries.
func NewSmartWebSearchTool(searcher Searcher, recorder audit.Recorder, opts ...ToolOption) *SmartWebSearchTool {
	if recorder == nil {
		recorder = audit.NewLogRecorder()
	}
	t := &SmartWebSearchTool{
		searcher: searcher,
		recorder: recorder,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *SmartWebSearchTool) Name() string {
	return ToolName
}

func (t *SmartWebSearchTool) Description() string {
	return "Searches the web and provides concise, insight-rich summaries from live data."
}

func (t *SmartWebSearchTool) Schema() types.Schema {
	return types.Schema{
		Type: "object",
		Properties: map[string]types.Schema{
			"query": {
				Type:        "string",
				Description: "The content to search, can be any question or topic",
			},
		},
		Required: []string{"query"},
	}
}

func (t *SmartWebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (*types.CallToolResult, error) {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return t.invalid(ctx, query, args), nil
	}
	return t.Run(ctx, SmartWebSearchArgs{Query: query})
}

// Run performs the search for already decoded arguments.
func (t *SmartWebSearchTool) Run(ctx context.Context, args SmartWebSearchArgs) (*types.CallToolResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return t.invalid(ctx, args.Query, args), nil
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	answer, err := t.searcher.Search(ctx, args.Query)
	elapsed := time.Since(start)

	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("query", args.Query).Msg("search error")
		t.record(ctx, audit.Entry{Query: args.Query, Status: audit.StatusFailed, Duration: elapsed, Error: err.Error()}, nil)
		metrics.RecordToolCall(ToolName, audit.StatusFailed, elapsed.Seconds())
		return types.ErrorResult(fmt.Sprintf("Search failed: %v", err)), nil
	}

	text := answer.Render(t.includeSources)
	t.record(ctx, audit.Entry{Query: args.Query, Status: audit.StatusSuccess, Duration: elapsed, ResultChars: len(text)}, answer)
	metrics.RecordToolCall(ToolName, audit.StatusSuccess, elapsed.Seconds())

	return types.TextResult(text), nil
}

func (t *SmartWebSearchTool) invalid(ctx context.Context, query string, args any) *types.CallToolResult {
	argsJSON, _ := json.Marshal(args)
	msg := fmt.Sprintf("Invalid arguments for %s: %s", ToolName, argsJSON)
	zerolog.Ctx(ctx).Error().Str("tool", ToolName).Msg(msg)
	t.record(ctx, audit.Entry{Query: query, Status: audit.StatusInvalid, Error: msg}, nil)
	metrics.RecordToolCall(ToolName, audit.StatusInvalid, 0)
	return types.ErrorResult(msg)
}

func (t *SmartWebSearchTool) record(ctx context.Context, e audit.Entry, answer *Answer) {
	e.Tool = ToolName
	e.ConnectionID = mcp.ConnectionID(ctx)
	if answer != nil {
		e.WebSearches = answer.Usage.WebSearchRequests
		e.Queries = answer.Queries
	}
	t.recorder.Record(ctx, e)
}
