package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/takashabe/smart-web-search-mcp/pkg/types"
)

// objectStream carries one JSON-RPC message per WebSocket text frame.
// Frames that are not JSON-RPC messages are answered in place and skipped,
// so a bad frame never tears down the connection. Requests whose id
// jsonrpc2 cannot round-trip (negative, fractional, oversized or null) are
// dispatched in place so the id is echoed exactly as sent.
type objectStream struct {
	ctx        context.Context
	conn       *websocket.Conn
	dispatcher Dispatcher
	logger     *zerolog.Logger

	mu sync.Mutex // serializes writes
}

func newObjectStream(ctx context.Context, conn *websocket.Conn, dispatcher Dispatcher) *objectStream {
	return &objectStream{
		ctx:        ctx,
		conn:       conn,
		dispatcher: dispatcher,
		logger:     zerolog.Ctx(ctx),
	}
}

func (s *objectStream) WriteObject(obj interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(obj)
}

// ReadObject is called from the jsonrpc2 read loop, which runs handlers
// synchronously, so in-place replies keep per-connection ordering.
func (s *objectStream) ReadObject(v interface{}) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return io.EOF
			}
			return err
		}

		env, rpcErr := inspectFrame(data)
		if rpcErr == nil {
			if !env.native() {
				if err := s.serveInPlace(env); err != nil {
					return err
				}
				continue
			}
			if err := json.Unmarshal(data, v); err == nil {
				return nil
			}
			rpcErr = invalidRequest()
		}

		s.logger.Warn().
			Int("code", rpcErr.Code).
			Int("frame_bytes", len(data)).
			Msg("rejecting malformed frame")
		if err := s.WriteObject(types.JSONRPCResponse{JSONRPC: types.JSONRPCVersion, ID: env.replyID(), Error: rpcErr}); err != nil {
			return err
		}
	}
}

func (s *objectStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}

func (s *objectStream) serveInPlace(env *envelope) error {
	s.logger.Debug().RawJSON("id", env.ID).Msg("serving request in place")

	var params *json.RawMessage
	if len(env.Params) > 0 {
		params = &env.Params
	}

	resp := types.JSONRPCResponse{JSONRPC: types.JSONRPCVersion, ID: env.ID}
	result, err := s.dispatcher.Dispatch(s.ctx, env.method, params, false)
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Result = nil
		resp.Error = toRPCError(err)
	}
	return s.WriteObject(resp)
}

// envelope is the part of a frame needed to route it.
type envelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`

	method string
}

// native reports whether jsonrpc2 can carry the frame without changing its
// id: notifications, responses, string ids and non-negative int64 ids.
// jsonrpc2 reads numeric ids through json.Number.Int64.
func (e *envelope) native() bool {
	if e.method == "" || len(e.ID) == 0 || e.ID[0] == '"' {
		return true
	}
	n, err := strconv.ParseInt(string(e.ID), 10, 64)
	return err == nil && n >= 0
}

func (e *envelope) replyID() json.RawMessage {
	if e == nil {
		return nil
	}
	return e.ID
}

// inspectFrame decodes the envelope of one frame and reports why it is not a
// JSON-RPC 2.0 message, or nil. The returned envelope keeps the id when it
// could be read so the error reply can echo it.
func inspectFrame(data []byte) (*envelope, *types.RPCError) {
	if !json.Valid(data) {
		return nil, &types.RPCError{Code: jsonrpc2.CodeParseError, Message: "Parse error"}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalidRequest()
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, invalidRequest()
	}
	if len(env.ID) > 0 && !validID(env.ID) {
		env.ID = nil
		return &env, invalidRequest()
	}

	var version string
	if err := json.Unmarshal(env.JSONRPC, &version); err != nil || version != types.JSONRPCVersion {
		return &env, invalidRequest()
	}

	if len(env.Method) > 0 {
		if err := json.Unmarshal(env.Method, &env.method); err != nil || env.method == "" {
			return &env, invalidRequest()
		}
		return &env, nil
	}
	if env.Result == nil && env.Error == nil {
		return &env, invalidRequest()
	}
	return &env, nil
}

// validID accepts the id types JSON-RPC 2.0 allows: string, number or null.
func validID(raw json.RawMessage) bool {
	switch c := raw[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	}
	return string(raw) == "null"
}

func invalidRequest() *types.RPCError {
	return &types.RPCError{Code: jsonrpc2.CodeInvalidRequest, Message: "Invalid Request"}
}

func toRPCError(err error) *types.RPCError {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return &types.RPCError{Code: int(rpcErr.Code), Message: rpcErr.Message}
	}
	return &types.RPCError{Code: jsonrpc2.CodeInternalError, Message: "Internal error: " + err.Error()}
}
