package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/takashabe/smart-web-search-mcp/internal/mcp"
	"github.com/takashabe/smart-web-search-mcp/internal/metrics"
)

// WebSocketConfig holds the listener settings of the WebSocket transport.
type WebSocketConfig struct {
	Addr            string
	ReadLimit       int64
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
}

// WebSocketTransport accepts MCP clients on a WebSocket listener. Any path
// upgrades; /healthz, /readyz and /metrics are plain HTTP.
type WebSocketTransport struct {
	cfg        WebSocketConfig
	dispatcher Dispatcher
	engine     *gin.Engine
	upgrader   websocket.Upgrader

	started atomic.Bool
	ready   atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*jsonrpc2.Conn
	wg       sync.WaitGroup
}

// NewWebSocketTransport returns a transport serving dispatcher over WebSocket.
func NewWebSocketTransport(cfg WebSocketConfig, dispatcher Dispatcher) *WebSocketTransport {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	t := &WebSocketTransport{
		cfg:        cfg,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// MCP clients are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*jsonrpc2.Conn),
	}
	t.engine = t.routes()
	return t
}

func (t *WebSocketTransport) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/readyz", func(c *gin.Context) {
		if !t.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if t.cfg.MetricsEnabled {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	engine.NoRoute(t.serveWebSocket)
	return engine
}

// Handler exposes the router, mainly for httptest.
func (t *WebSocketTransport) Handler() http.Handler {
	return t.engine
}

// Connect listens on cfg.Addr and blocks until ctx is cancelled.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	server := &http.Server{
		Handler:           t.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("WebSocket server listening")
		err := server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	t.ready.Store(true)

	select {
	case <-ctx.Done():
		log.Info().Msg("context cancelled, shutting down WebSocket server")
	case err := <-errCh:
		t.ready.Store(false)
		return err
	}
	t.ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), t.cfg.ShutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	// hijacked connections are not tracked by http.Server
	t.closeConns()
	t.wg.Wait()
	return err
}

// Addr returns the bound listener address once Connect is running.
func (t *WebSocketTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *WebSocketTransport) Close() error {
	t.closeConns()
	return nil
}

func (t *WebSocketTransport) Type() string {
	return TypeWebSocket
}

func (t *WebSocketTransport) serveWebSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	ws, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		log.Warn().Err(err).Str("remote_addr", c.Request.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if t.cfg.ReadLimit > 0 {
		ws.SetReadLimit(t.cfg.ReadLimit)
	}

	t.wg.Add(1)
	defer t.wg.Done()
	t.serveConn(c.Request.Context(), ws)
}

func (t *WebSocketTransport) serveConn(ctx context.Context, ws *websocket.Conn) {
	id := uuid.NewString()
	logger := log.With().
		Str("connection_id", id).
		Str("remote_addr", ws.RemoteAddr().String()).
		Logger()
	ctx = logger.WithContext(mcp.WithConnectionID(ctx, id))

	conn := jsonrpc2.NewConn(ctx, newObjectStream(ctx, ws, t.dispatcher), t.dispatcher.Handler())
	t.track(id, conn)
	defer t.untrack(id)

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	logger.Info().Msg("client connected")

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		_ = conn.Close()
		<-conn.DisconnectNotify()
	}
	logger.Info().Msg("client disconnected")
}

func (t *WebSocketTransport) track(id string, conn *jsonrpc2.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[id] = conn
}

func (t *WebSocketTransport) untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

func (t *WebSocketTransport) closeConns() {
	t.mu.Lock()
	conns := make([]*jsonrpc2.Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			log.Debug().Err(err).Msg("closing websocket connection")
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var event *zerolog.Event
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		default:
			event = log.Debug()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
