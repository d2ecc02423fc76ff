package transport

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StdioTransport serves a single client over stdin/stdout through the MCP SDK.
type StdioTransport struct {
	server *sdk.Server
}

// NewStdioTransport wraps server for stdin/stdout.
func NewStdioTransport(server *sdk.Server) *StdioTransport {
	return &StdioTransport{server: server}
}

func (t *StdioTransport) Connect(ctx context.Context) error {
	return t.server.Run(ctx, sdk.NewStdioTransport())
}

// Close is a no-op; the session ends with the Connect context.
func (t *StdioTransport) Close() error {
	return nil
}

func (t *StdioTransport) Type() string {
	return TypeStdio
}
