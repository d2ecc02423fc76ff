package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/takashabe/smart-web-search-mcp/internal/metrics"
	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

const (
	MethodInitialize              = "initialize"
	MethodToolsList               = "tools/list"
	MethodToolsCall               = "tools/call"
	MethodPing                    = "ping"
	MethodNotificationInitialized = "notifications/initialized"
	MethodNotificationCancelled   = "notifications/cancelled"
)

var tracer = otel.Tracer("github.com/takashabe/smart-web-search-mcp/internal/mcp")

// Tool is an MCP tool exposed through tools/list and tools/call.
type Tool interface {
	Name() string
	Description() string
	Schema() types.Schema
	Execute(ctx context.Context, args map[string]interface{}) (*types.CallToolResult, error)
}

// Server is a JSON-RPC 2.0 dispatcher for the MCP tool methods.
type Server struct {
	info            types.ServerInfo
	protocolVersion string

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewServer returns a dispatcher with no tools registered.
func NewServer(name, version, protocolVersion string) *Server {
	return &Server{
		info:            types.ServerInfo{Name: name, Version: version},
		protocolVersion: protocolVersion,
		tools:           make(map[string]Tool),
	}
}

// RegisterTool adds tool, replacing any tool with the same name.
func (s *Server) RegisterTool(tool Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[tool.Name()] = tool
}

// Tools lists the registered tools ordered by name.
func (s *Server) Tools() []types.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]types.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, types.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (s *Server) tool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[name]
	return tool, ok
}

// Handler adapts the dispatcher to a jsonrpc2 connection. Requests get
// exactly one response; notifications get none.
func (s *Server) Handler() jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return s.Dispatch(ctx, req.Method, req.Params, req.Notif)
	})
}

// Dispatch routes one call. Errors are always *jsonrpc2.Error.
func (s *Server) Dispatch(ctx context.Context, method string, params *json.RawMessage, notif bool) (interface{}, error) {
	ctx, span := tracer.Start(ctx, "mcp."+metricMethod(method),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("method", method).Bool("notification", notif).Msg("received method")

	result, rpcErr := s.dispatch(ctx, method, params, notif)

	status := "ok"
	switch {
	case notif:
		status = "notification"
	case rpcErr != nil:
		status = "error"
		span.SetAttributes(attribute.Int64("rpc.jsonrpc.error_code", rpcErr.Code))
		span.SetStatus(codes.Error, rpcErr.Message)
		logger.Warn().Str("method", method).Int64("code", rpcErr.Code).Str("error", rpcErr.Message).Msg("request failed")
	}
	metrics.RecordRequest(metricMethod(method), status)

	if rpcErr != nil {
		return nil, rpcErr
	}
	return result, nil
}

func (s *Server) dispatch(ctx context.Context, method string, params *json.RawMessage, notif bool) (interface{}, *jsonrpc2.Error) {
	switch method {
	case MethodInitialize:
		return s.handleInitialize(ctx, params)
	case MethodToolsList:
		return s.handleListTools(ctx)
	case MethodToolsCall:
		return s.handleCallTool(ctx, params)
	case MethodPing:
		return struct{}{}, nil
	case MethodNotificationInitialized, MethodNotificationCancelled:
		return nil, nil
	}
	if notif {
		return nil, nil
	}
	return nil, newError(jsonrpc2.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method))
}

func (s *Server) handleInitialize(ctx context.Context, raw *json.RawMessage) (interface{}, *jsonrpc2.Error) {
	var params types.InitializeParams
	if raw != nil && len(*raw) > 0 && string(*raw) != "null" {
		if err := json.Unmarshal(*raw, &params); err != nil {
			return nil, newError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		}
	}

	event := zerolog.Ctx(ctx).Info()
	if params.ClientInfo != nil {
		event = event.Str("client_name", params.ClientInfo.Name).Str("client_version", params.ClientInfo.Version)
	}
	event.Str("client_protocol_version", params.ProtocolVersion).Msg("client initialized")

	version := s.protocolVersion
	if params.ProtocolVersion != "" {
		version = params.ProtocolVersion
	}

	return types.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
		Capabilities: types.ServerCapabilities{
			Tools:     map[string]interface{}{},
			Streaming: true,
		},
	}, nil
}

func (s *Server) handleListTools(ctx context.Context) (interface{}, *jsonrpc2.Error) {
	tools := s.Tools()
	zerolog.Ctx(ctx).Debug().Int("count", len(tools)).Msg("listing tools")
	return types.ListToolsResult{Tools: tools}, nil
}

func (s *Server) handleCallTool(ctx context.Context, raw *json.RawMessage) (interface{}, *jsonrpc2.Error) {
	if raw == nil || len(*raw) == 0 || string(*raw) == "null" {
		return nil, newError(jsonrpc2.CodeInvalidParams, "Invalid params: missing params")
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(*raw, &params); err != nil {
		return nil, newError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
	}
	if params.Name == "" {
		return nil, newError(jsonrpc2.CodeInvalidParams, "Invalid params: missing tool name")
	}

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("tool", params.Name).RawJSON("arguments", nonEmptyJSON(params.Arguments)).Msg("calling tool")

	tool, ok := s.tool(params.Name)
	if !ok {
		return nil, newError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	args := make(map[string]interface{})
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return types.ErrorResult(fmt.Sprintf("Invalid arguments for %s: %s", params.Name, params.Arguments)), nil
		}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		logger.Error().Err(err).Str("tool", params.Name).Msg("tool execution error")
		return nil, newError(jsonrpc2.CodeInternalError, fmt.Sprintf("Internal error: %v", err))
	}
	return result, nil
}

func newError(code int64, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: code, Message: message}
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// metricMethod bounds label cardinality to the methods this server knows.
func metricMethod(method string) string {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall, MethodPing,
		MethodNotificationInitialized, MethodNotificationCancelled:
		return method
	}
	return "unknown"
}
