package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takashabe/smart-web-search-mcp/internal/mcp"
	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

type stubTool struct{}

func (stubTool) Name() string        { return "smart_web_search" }
func (stubTool) Description() string { return "stub" }
func (stubTool) Schema() types.Schema {
	return types.Schema{Type: "object", Required: []string{"query"}}
}

func (stubTool) Execute(ctx context.Context, args map[string]interface{}) (*types.CallToolResult, error) {
	q, _ := args["query"].(string)
	return types.TextResult(q + " @ " + mcp.ConnectionID(ctx)), nil
}

func newTestTransport(t *testing.T) (*WebSocketTransport, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dispatcher := mcp.NewServer("smart_web_search-mcp", "1.0.0", "2024-11-05")
	dispatcher.RegisterTool(stubTool{})

	tr := NewWebSocketTransport(WebSocketConfig{ReadLimit: 1 << 20, MetricsEnabled: true}, dispatcher)
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)
	return tr, srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) types.JSONRPCResponse {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	return readResponse(t, conn)
}

func readResponse(t *testing.T, conn *websocket.Conn) types.JSONRPCResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp types.JSONRPCResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestWebSocketTransport_Session(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv.URL)

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test-client","version":"1.0.0"}}}`)
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, float64(1), resp.ID)
	require.Nil(t, resp.Error)
	var init types.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, "smart_web_search-mcp", init.ServerInfo.Name)

	resp = roundTrip(t, conn, `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	var list types.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "smart_web_search", list.Tools[0].Name)

	resp = roundTrip(t, conn, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"smart_web_search","arguments":{"query":"What is MCP protocol?"}}}`)
	var result types.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.True(t, strings.HasPrefix(result.Content[0].Text, "What is MCP protocol? @ "))
	assert.Greater(t, len(result.Content[0].Text), len("What is MCP protocol? @ "))
}

func TestWebSocketTransport_StringID(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv.URL)

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":"abc","method":"ping"}`)
	assert.Equal(t, "abc", resp.ID)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

// rawResponse keeps the id exactly as the server wrote it.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *types.RPCError `json:"error"`
}

func rawRoundTrip(t *testing.T, conn *websocket.Conn, frame string) rawResponse {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp rawResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestWebSocketTransport_MalformedFramesKeepConnection(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv.URL)

	tests := []struct {
		name  string
		frame string
		code  int
		id    string
	}{
		{name: "not json", frame: `{"jsonrpc": "2.0", "method"`, code: jsonrpc2.CodeParseError, id: "null"},
		{name: "array", frame: `[1, 2, 3]`, code: jsonrpc2.CodeInvalidRequest, id: "null"},
		{name: "no method", frame: `{"jsonrpc":"2.0","id":9}`, code: jsonrpc2.CodeInvalidRequest, id: "9"},
		{name: "method not a string", frame: `{"jsonrpc":"2.0","id":9,"method":42}`, code: jsonrpc2.CodeInvalidRequest, id: "9"},
		{name: "empty method", frame: `{"jsonrpc":"2.0","id":"x","method":""}`, code: jsonrpc2.CodeInvalidRequest, id: `"x"`},
		{name: "object id", frame: `{"jsonrpc":"2.0","id":{"a":1},"method":"ping"}`, code: jsonrpc2.CodeInvalidRequest, id: "null"},
		{name: "missing version", frame: `{"id":4,"method":"ping"}`, code: jsonrpc2.CodeInvalidRequest, id: "4"},
		{name: "old version", frame: `{"jsonrpc":"1.0","id":5,"method":"ping"}`, code: jsonrpc2.CodeInvalidRequest, id: "5"},
		{name: "version not a string", frame: `{"jsonrpc":2.0,"id":6,"method":"ping"}`, code: jsonrpc2.CodeInvalidRequest, id: "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawRoundTrip(t, conn, tt.frame)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.id, string(resp.ID))
			assert.Nil(t, resp.Result)
		})
	}

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":10,"method":"ping"}`)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(10), resp.ID)
}

func TestWebSocketTransport_EchoesUnusualIDs(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv.URL)

	tests := []struct {
		name string
		id   string
	}{
		{name: "negative", id: "-1"},
		{name: "fractional", id: "1.5"},
		{name: "null", id: "null"},
		{name: "beyond uint64", id: "99999999999999999999"},
		{name: "exponent", id: "1e3"},
		{name: "max uint64", id: "18446744073709551615"},
		{name: "max int64", id: "9223372036854775807"},
		{name: "zero", id: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawRoundTrip(t, conn, `{"jsonrpc":"2.0","id":`+tt.id+`,"method":"ping"}`)
			assert.Equal(t, "2.0", resp.JSONRPC)
			assert.Equal(t, tt.id, string(resp.ID))
			assert.Nil(t, resp.Error)
			assert.JSONEq(t, `{}`, string(resp.Result))
		})
	}

	t.Run("tool call", func(t *testing.T) {
		resp := rawRoundTrip(t, conn, `{"jsonrpc":"2.0","id":-7,"method":"tools/call","params":{"name":"smart_web_search","arguments":{"query":"golang"}}}`)
		assert.Equal(t, "-7", string(resp.ID))
		require.Nil(t, resp.Error)
		var result types.CallToolResult
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		require.Len(t, result.Content, 1)
		assert.True(t, strings.HasPrefix(result.Content[0].Text, "golang @ "))
	})

	t.Run("error", func(t *testing.T) {
		resp := rawRoundTrip(t, conn, `{"jsonrpc":"2.0","id":2.5,"method":"resources/list"}`)
		assert.Equal(t, "2.5", string(resp.ID))
		require.NotNil(t, resp.Error)
		assert.Equal(t, jsonrpc2.CodeMethodNotFound, resp.Error.Code)
		assert.Equal(t, "Method not found: resources/list", resp.Error.Message)
		assert.Nil(t, resp.Result)
	})

	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":11,"method":"ping"}`)
	assert.Nil(t, resp.Error)
	assert.Equal(t, float64(11), resp.ID)
}

func TestWebSocketTransport_NotificationsGetNoReply(t *testing.T) {
	_, srv := newTestTransport(t)
	conn := dial(t, srv.URL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":7,"method":"unknown/method"}`)

	assert.Equal(t, float64(7), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc2.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found: unknown/method", resp.Error.Message)
}

func TestWebSocketTransport_HTTPRoutes(t *testing.T) {
	_, srv := newTestTransport(t)

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/healthz", status: http.StatusOK, body: "healthy"},
		{path: "/readyz", status: http.StatusServiceUnavailable, body: "not ready"},
		{path: "/metrics", status: http.StatusOK, body: "smart_web_search_websocket_active_connections"},
		{path: "/other", status: http.StatusNotFound, body: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, string(body), tt.body)
		})
	}
}

func TestWebSocketTransport_ConnectAndShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dispatcher := mcp.NewServer("s", "v", "2024-11-05")
	tr := NewWebSocketTransport(WebSocketConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, dispatcher)
	assert.Equal(t, TypeWebSocket, tr.Type())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Connect(ctx) }()

	require.Eventually(t, func() bool { return tr.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + tr.Addr().String()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, base)
	resp := roundTrip(t, conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Nil(t, resp.Error)

	assert.ErrorIs(t, tr.Connect(ctx), ErrAlreadyStarted)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after cancel")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestInspectFrame(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		code   int
		native bool
	}{
		{name: "request", frame: `{"jsonrpc":"2.0","method":"ping","id":1}`, native: true},
		{name: "string id", frame: `{"jsonrpc":"2.0","method":"ping","id":"a"}`, native: true},
		{name: "notification", frame: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, native: true},
		{name: "response", frame: `{"jsonrpc":"2.0","result":{},"id":-1}`, native: true},
		{name: "max int64 id", frame: `{"jsonrpc":"2.0","method":"ping","id":9223372036854775807}`, native: true},
		{name: "negative id", frame: `{"jsonrpc":"2.0","method":"ping","id":-1}`},
		{name: "uint64 id", frame: `{"jsonrpc":"2.0","method":"ping","id":18446744073709551615}`},
		{name: "null id", frame: `{"jsonrpc":"2.0","method":"ping","id":null}`},
		{name: "not json", frame: `nope`, code: jsonrpc2.CodeParseError},
		{name: "string", frame: `"str"`, code: jsonrpc2.CodeInvalidRequest},
		{name: "bool id", frame: `{"jsonrpc":"2.0","method":"ping","id":true}`, code: jsonrpc2.CodeInvalidRequest},
		{name: "wrong version", frame: `{"jsonrpc":"2","method":"ping","id":1}`, code: jsonrpc2.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, rpcErr := inspectFrame([]byte(tt.frame))
			if tt.code != 0 {
				require.NotNil(t, rpcErr)
				assert.Equal(t, tt.code, rpcErr.Code)
				return
			}
			require.Nil(t, rpcErr)
			assert.Equal(t, tt.native, env.native())
		})
	}
}
