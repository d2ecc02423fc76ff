package types

import "encoding/json"

const JSONRPCVersion = "2.0"

// ContentTypeText is the only content type this server produces.
const ContentTypeText = "text"

type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse keeps the raw result so callers can decode it into
// whichever shape the method returns.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Codes are the jsonrpc2.Code* values.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
}

type CallToolParams struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps a single text block.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: ContentTypeText, Text: text}}}
}

// ErrorResult wraps a single text block and flags the call as failed.
func ErrorResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: ContentTypeText, Text: text}}, IsError: true}
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ListToolsResult = struct {
	Tools []Tool `json:"tools"`
}

type InitializeParams struct {
	ProtocolVersion string      `json:"protocolVersion,omitempty"`
	ClientInfo      *ServerInfo `json:"clientInfo,omitempty"`
	Capabilities    interface{} `json:"capabilities,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ServerCapabilities struct {
	Tools     map[string]interface{} `json:"tools"`
	Streaming bool                   `json:"streaming"`
}
