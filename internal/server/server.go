package server

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/takashabe/smart-web-search-mcp/internal/audit"
	"github.com/takashabe/smart-web-search-mcp/internal/config"
	"github.com/takashabe/smart-web-search-mcp/internal/mcp"
	"github.com/takashabe/smart-web-search-mcp/internal/retry"
	"github.com/takashabe/smart-web-search-mcp/internal/search"
	"github.com/takashabe/smart-web-search-mcp/internal/transport"
	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

// stdioConnectionID tags audit entries of the single stdio session.
const stdioConnectionID = "stdio"

// SmartWebSearchMCPServer wires the smart_web_search tool to a transport.
type SmartWebSearchMCPServer struct {
	cfg        *config.Config
	dispatcher *mcp.Server
	tool       *search.SmartWebSearchTool
	recorder   audit.Recorder
	transport  transport.Transport
}

type Option func(*options)

type options struct {
	searcher search.Searcher
	recorder audit.Recorder
}

// WithSearcher replaces the Anthropic client.
func WithSearcher(s search.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

// WithRecorder replaces the audit sink chosen from config.
func WithRecorder(r audit.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*SmartWebSearchMCPServer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backoff := retry.NewBackoff(cfg.RetryMaxAttempts, cfg.RetryInitialDelay, cfg.RetryMaxDelay)

	searcher := o.searcher
	if searcher == nil {
		client, err := search.NewClient(search.ClientConfig{
			APIKey:             cfg.AnthropicAPIKey,
			BaseURL:            cfg.AnthropicBaseURL,
			APIVersion:         cfg.AnthropicVersion,
			Model:              cfg.AnthropicModel,
			MaxTokens:          cfg.AnthropicMaxTokens,
			Timeout:            cfg.AnthropicTimeout,
			SystemPrompt:       cfg.SystemPrompt,
			Prompt:             cfg.Prompt,
			MaxContinuations:   cfg.MaxContinuations,
			MaxUses:            cfg.WebSearchMaxUses,
			AllowedDomains:     cfg.AllowedDomains,
			BlockedDomains:     cfg.BlockedDomains,
			RateLimit:          cfg.SearchRateLimit,
			RateBurst:          cfg.SearchRateBurst,
			Retry:              backoff,
			BreakerThreshold:   cfg.CBFailureThreshold,
			BreakerOpenTimeout: cfg.CBOpenTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create search client: %w", err)
		}
		searcher = client
	}

	recorder := o.recorder
	if recorder == nil {
		var err error
		recorder, err = newRecorder(ctx, cfg, backoff)
		if err != nil {
			return nil, err
		}
	}

	tool := search.NewSmartWebSearchTool(searcher, recorder,
		search.WithTimeout(cfg.SearchTimeout),
		search.WithSources(cfg.IncludeSources),
	)

	dispatcher := mcp.NewServer(cfg.ServerName, cfg.ServerVersion, cfg.ProtocolVersion)
	dispatcher.RegisterTool(tool)

	s := &SmartWebSearchMCPServer{
		cfg:        cfg,
		dispatcher: dispatcher,
		tool:       tool,
		recorder:   recorder,
	}

	switch cfg.Transport {
	case transport.TypeWebSocket, "":
		s.transport = transport.NewWebSocketTransport(transport.WebSocketConfig{
			Addr:            cfg.Addr(),
			ReadLimit:       cfg.WSReadLimit,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MetricsEnabled:  cfg.MetricsEnabled,
		}, dispatcher)
	case transport.TypeStdio:
		s.transport = transport.NewStdioTransport(s.newSDKServer())
	default:
		_ = recorder.Close()
		return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedTransport, cfg.Transport)
	}

	return s, nil
}

func newRecorder(ctx context.Context, cfg *config.Config, backoff *retry.Backoff) (audit.Recorder, error) {
	if cfg.GCPProjectID == "" {
		return audit.NewLogRecorder(), nil
	}
	recorder, err := audit.NewCloudRecorder(ctx, cfg.GCPProjectID, cfg.AuditLogID, cfg.GCPCredentialsFile, backoff)
	if err != nil {
		return nil, fmt.Errorf("create audit recorder: %w", err)
	}
	log.Info().Str("project_id", cfg.GCPProjectID).Str("log_id", cfg.AuditLogID).Msg("audit trail goes to Cloud Logging")
	return recorder, nil
}

// newSDKServer registers the tool with the MCP SDK server used by stdio.
func (s *SmartWebSearchMCPServer) newSDKServer() *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{
		Name:    s.cfg.ServerName,
		Version: s.cfg.ServerVersion,
	}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        s.tool.Name(),
		Description: s.tool.Description(),
	}, s.smartWebSearchHandler())
	return server
}

func (s *SmartWebSearchMCPServer) smartWebSearchHandler() sdk.ToolHandlerFor[search.SmartWebSearchArgs, any] {
	return func(ctx context.Context, _ *sdk.ServerSession, params *sdk.CallToolParamsFor[search.SmartWebSearchArgs]) (*sdk.CallToolResultFor[any], error) {
		ctx = mcp.WithConnectionID(ctx, stdioConnectionID)

		result, err := s.tool.Run(ctx, params.Arguments)
		if err != nil {
			return &sdk.CallToolResultFor[any]{
				Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}
		return toSDKResult(result), nil
	}
}

func toSDKResult(result *types.CallToolResult) *sdk.CallToolResultFor[any] {
	content := make([]sdk.Content, 0, len(result.Content))
	for _, c := range result.Content {
		content = append(content, &sdk.TextContent{Text: c.Text})
	}
	return &sdk.CallToolResultFor[any]{
		Content: content,
		IsError: result.IsError,
	}
}

// Dispatcher returns the JSON-RPC dispatcher behind the WebSocket transport.
func (s *SmartWebSearchMCPServer) Dispatcher() *mcp.Server {
	return s.dispatcher
}

func (s *SmartWebSearchMCPServer) Transport() transport.Transport {
	return s.transport
}

// Start serves clients until ctx is cancelled.
func (s *SmartWebSearchMCPServer) Start(ctx context.Context) error {
	log.Info().
		Str("transport", s.transport.Type()).
		Str("server", s.cfg.ServerName).
		Str("version", s.cfg.ServerVersion).
		Str("model", s.cfg.AnthropicModel).
		Msg("starting smart web search MCP server")
	if s.transport.Type() == transport.TypeWebSocket {
		log.Info().Str("url", "ws://"+s.cfg.Addr()).Msg("accepting MCP clients")
	}
	return s.transport.Connect(ctx)
}

// Stop closes open connections and flushes the audit trail.
func (s *SmartWebSearchMCPServer) Stop() error {
	err := s.transport.Close()
	if cerr := s.recorder.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
