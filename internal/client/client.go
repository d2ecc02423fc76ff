package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

const DefaultURL = "ws://localhost:8765"

// DefaultQuery is the query the smoke test asks for.
const DefaultQuery = "What is MCP protocol?"

// Client is a minimal MCP client for the WebSocket transport.
type Client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	nextID int64
}

func Dial(ctx context.Context, url string) (*Client, error) {
	zerolog.Ctx(ctx).Info().Str("url", url).Msg("connecting")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Send issues one request and waits for the response with the same id.
func (c *Client) Send(ctx context.Context, method string, params interface{}) (*types.JSONRPCResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if params == nil {
		params = map[string]interface{}{}
	}
	req := types.JSONRPCRequest{
		JSONRPC: types.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		var resp types.JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", method, err)
		}
		if matchesID(resp.ID, id) {
			return &resp, nil
		}
		zerolog.Ctx(ctx).Debug().RawJSON("message", data).Msg("skipping unrelated message")
	}
}

func matchesID(got interface{}, want int64) bool {
	n, ok := got.(float64)
	return ok && int64(n) == want
}

func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Exchange is one request of the smoke test and its response.
type Exchange struct {
	Method   string
	Response *types.JSONRPCResponse
}

// SmokeTest runs initialize, tools/list and a smart_web_search call.
func (c *Client) SmokeTest(ctx context.Context, query string) ([]Exchange, error) {
	if query == "" {
		query = DefaultQuery
	}
	steps := []struct {
		method string
		params interface{}
	}{
		{"initialize", types.InitializeParams{
			ClientInfo: &types.ServerInfo{Name: "test-client", Version: "1.0.0"},
		}},
		{"tools/list", nil},
		{"tools/call", types.CallToolParams{
			Name:      "smart_web_search",
			Arguments: map[string]interface{}{"query": query},
		}},
	}

	logger := zerolog.Ctx(ctx)
	exchanges := make([]Exchange, 0, len(steps))
	for _, step := range steps {
		resp, err := c.Send(ctx, step.method, step.params)
		if err != nil {
			return exchanges, err
		}
		logger.Info().Str("method", step.method).RawJSON("result", rawOrNull(resp.Result)).Msg("response received")
		if resp.Error != nil {
			logger.Warn().Str("method", step.method).Int("code", resp.Error.Code).Str("error", resp.Error.Message).Msg("request failed")
		}
		exchanges = append(exchanges, Exchange{Method: step.method, Response: resp})
	}
	return exchanges, nil
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
