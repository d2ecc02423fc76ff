package search

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	webSearchToolType = "web_search_20250305"
	webSearchToolName = "web_search"

	stopReasonPauseTurn = "pause_turn"

	blockText                = "text"
	blockServerToolUse       = "server_tool_use"
	blockToolUse             = "tool_use"
	blockWebSearchToolResult = "web_search_tool_result"
)

type messagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []message       `json:"messages"`
	Tools     []webSearchTool `json:"tools"`
}

// message content is either a plain string or the raw blocks of a previous
// assistant turn.
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type webSearchTool struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	MaxUses        int      `json:"max_uses,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
}

type messagesResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
	Content    []json.RawMessage `json:"content"`
	Usage      usage             `json:"usage"`
}

type usage struct {
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
	ServerToolUse struct {
		WebSearchRequests int `json:"web_search_requests"`
	} `json:"server_tool_use"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Citations []citation      `json:"citations,omitempty"`
}

type citation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type webSearchResult struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	PageAge string `json:"page_age,omitempty"`
}

type webSearchError struct {
	Type      string `json:"type"`
	ErrorCode string `json:"error_code"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	RequestID  string
	retryAfter time.Duration
}

func newAPIError(statusCode int, header http.Header, body *errorResponse, raw string) *APIError {
	e := &APIError{StatusCode: statusCode}
	if body != nil && body.Error.Message != "" {
		e.Type = body.Error.Type
		e.Message = body.Error.Message
	} else {
		e.Message = strings.TrimSpace(raw)
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}
	if header != nil {
		e.RequestID = header.Get("request-id")
		if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("retry-after"))); err == nil && secs > 0 {
			e.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("anthropic api error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("anthropic api error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	case 529: // overloaded
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

func (e *APIError) RetryDelay() time.Duration {
	return e.retryAfter
}
