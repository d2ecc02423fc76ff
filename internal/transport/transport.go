package transport

import (
	"context"
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"
)

// Transport type names accepted by configuration.
const (
	TypeWebSocket = "websocket"
	TypeStdio     = "stdio"
)

// Transport abstracts how MCP clients reach the server.
type Transport interface {
	// Connect serves clients until ctx is cancelled or the transport fails.
	Connect(ctx context.Context) error
	Close() error
	Type() string
}

// Dispatcher routes MCP calls. Handler serves ordinary connections; Dispatch
// is used directly for requests whose id jsonrpc2 cannot represent.
type Dispatcher interface {
	Handler() jsonrpc2.Handler
	Dispatch(ctx context.Context, method string, params *json.RawMessage, notif bool) (interface{}, error)
}
