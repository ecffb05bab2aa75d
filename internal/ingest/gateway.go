package ingest

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/commons"
	"github.com/rapidaai/agentassist/internal/registry"
)

// upgrader is shared across connections: a package-level websocket.Upgrader
// with permissive CheckOrigin (the telephony provider is not a browser;
// origin checks don't apply).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// idleTimeout is the WebSocket read idle timeout.
const idleTimeout = 60 * time.Second

// Gateway terminates the telephony WebSocket at /v1/ingest and runs one
// Connection state machine per socket.
type Gateway struct {
	logger  commons.Logger
	bus     bus.Bus
	reg     registry.Registry
	metrics *Metrics
	auth    Authenticator

	ackEveryNFrames int
	callTTL         time.Duration

	mu       sync.Mutex
	draining bool
	active   map[*Connection]*websocket.Conn
}

// NewGateway constructs a Gateway. auth, bus, reg, and metrics are injected
// explicit dependencies, never global singletons, so tests can substitute
// in-memory/mock adapters.
func NewGateway(logger commons.Logger, b bus.Bus, reg registry.Registry, metrics *Metrics, auth Authenticator, ackEveryNFrames int, callTTL time.Duration) *Gateway {
	return &Gateway{
		logger:          logger,
		bus:             b,
		reg:             reg,
		metrics:         metrics,
		auth:            auth,
		ackEveryNFrames: ackEveryNFrames,
		callTTL:         callTTL,
		active:          make(map[*Connection]*websocket.Conn),
	}
}

// Register mounts the ingest route on engine.
func (g *Gateway) Register(engine *gin.Engine) {
	engine.GET("/v1/ingest", g.handleUpgrade)
}

func (g *Gateway) handleUpgrade(c *gin.Context) {
	g.mu.Lock()
	draining := g.draining
	g.mu.Unlock()
	if draining {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	tenantID, ok := g.auth.Authenticate(c.Request)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if g.logger != nil {
			g.logger.Warnw("ingest: websocket upgrade failed", "error", err)
		}
		return
	}

	sm := NewConnection(g.logger, g.bus, g.reg, g.metrics, tenantID, g.ackEveryNFrames, g.callTTL)
	g.trackConnection(sm, conn)
	defer g.untrackConnection(sm)

	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
		defer g.metrics.ActiveConnections.Dec()
	}

	g.serve(c.Request.Context(), sm, conn)
}

func (g *Gateway) trackConnection(sm *Connection, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[sm] = conn
}

func (g *Gateway) untrackConnection(sm *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sm)
}

// serve runs the read loop for one connection until it closes. Every
// suspension point (ReadMessage) is bounded by the idle timeout; the
// connection's own state machine decides what to do with each frame.
func (g *Gateway) serve(ctx context.Context, sm *Connection, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				res := sm.IdleTimeout()
				g.closeWith(conn, res.closeCode, res.closeMsg)
				return
			}
			if g.logger != nil && sm.interactionID != "" {
				g.logger.Infow("ingest: connection closed", "interaction_id", sm.interactionID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			g.closeWith(conn, closeProtocolViolation, "binary frames not supported")
			return
		}

		res := sm.Handle(ctx, raw)
		if res.reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, res.reply); err != nil {
				return
			}
		}
		if res.shouldClose {
			g.closeWith(conn, res.closeCode, res.closeMsg)
			return
		}
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// Shutdown stops accepting new connections and drains active ones with a
// close-1001, giving each telephony provider a clean signal to hang up
// without waiting out the idle timeout.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	conns := make([]*websocket.Conn, 0, len(g.active))
	for _, conn := range g.active {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		g.closeWith(conn, 1001, "server shutting down")
	}
	return nil
}
