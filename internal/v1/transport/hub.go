// Package transport owns the WebSocket surface: connection acceptance and
// capacity, the per-connection read/write pumps, the frame router, and the
// heartbeat sweep that kills dead connections and expires overdue floor
// grants.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/ratelimit"
	"github.com/breaker-app/breaker/server/go/internal/v1/room"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// HubConfig carries the connection-policy knobs from the environment.
type HubConfig struct {
	MaxConnections     int
	MaxFramesPerSecond int
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	AllowedOrigins     []string
}

func (c *HubConfig) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.MaxFramesPerSecond <= 0 {
		c.MaxFramesPerSecond = 100
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:3000"}
	}
}

// Hub supervises every live connection: admission against the global cap,
// the heartbeat sweep, and graceful shutdown.
type Hub struct {
	registry *room.Registry
	router   *Router
	limiter  *ratelimit.RateLimiter

	mu       sync.Mutex
	clients  map[*Client]struct{}
	draining bool

	cfg HubConfig

	done     chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup
}

// NewHub creates a Hub and configures it with its dependencies.
func NewHub(verifier types.TokenVerifier, registry *room.Registry, limiter *ratelimit.RateLimiter, cfg HubConfig) *Hub {
	cfg.applyDefaults()
	return &Hub{
		registry: registry,
		router:   NewRouter(verifier, registry),
		limiter:  limiter,
		clients:  make(map[*Client]struct{}),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat sweep loop.
func (h *Hub) Start() {
	h.sweepWG.Add(1)
	go h.runHeartbeatLoop()
	logging.Info(context.Background(), "Heartbeat sweep started", zap.Duration("interval", h.cfg.HeartbeatInterval))
}

// ServeWs guards and upgrades one WebSocket request, then hands the socket
// to the hub.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP rate limiting first, before any other work.
	if !h.limiter.CheckUpgrade(c) {
		return // Response already written by CheckUpgrade
	}

	if err := validateOrigin(c.Request, h.cfg.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := upgradeWebSocket(c, h.cfg.AllowedOrigins)
	if err != nil {
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection admits an established socket: capacity check, auth
// timeout, pumps. Over-capacity sockets are closed immediately with
// SERVER_AT_CAPACITY.
func (h *Hub) HandleConnection(conn wsConnection) {
	client := newClient(h, conn, h.cfg.MaxFramesPerSecond)

	if !h.register(client) {
		logging.Warn(context.Background(), "Rejecting connection - server at capacity",
			zap.Int("maxConnections", h.cfg.MaxConnections))
		msg := websocket.FormatCloseMessage(protocol.CloseServerAtCapacity, "server at capacity")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	metrics.IncConnection()
	client.armAuthTimeout(h.cfg.AuthTimeout)

	go client.writePump()
	go client.readPump()
}

// register admits the client unless the hub is at capacity or draining.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.draining || len(h.clients) >= h.cfg.MaxConnections {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// disconnectCleanup runs exactly once per connection, from the readPump's
// defer: the client leaves every joined room (releasing the floor where
// held) and stops counting against the global cap.
func (h *Hub) disconnectCleanup(ctx context.Context, c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !present {
		return
	}

	h.registry.LeaveAll(ctx, c)
	metrics.DecConnection()

	logging.Info(ctx, "Connection closed",
		zap.String("connId", c.id),
		zap.String("userId", string(c.UserID())))
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	return h.registry.RoomCount()
}

func (h *Hub) clientSnapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) runHeartbeatLoop() {
	defer h.sweepWG.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep(context.Background())
		}
	}
}

// sweep advances every connection's liveness state and terminates the ones
// that stayed silent for three intervals, then walks the rooms to eagerly
// expire overdue floor grants.
func (h *Hub) sweep(ctx context.Context) {
	for _, c := range h.clientSnapshot() {
		missed, terminate := c.sweepLiveness()
		if terminate {
			metrics.HeartbeatTerminations.Inc()
			logging.Warn(ctx, "Terminating dead connection",
				zap.String("connId", c.id),
				zap.String("userId", string(c.UserID())),
				zap.Int("missedHeartbeats", missed))
			c.Disconnect()
			continue
		}
		if missed > 0 {
			logging.GetLogger().Debug("Connection missed heartbeat",
				zap.String("connId", c.id),
				zap.Int("missedHeartbeats", missed))
		}
	}

	if expired := h.registry.ExpireOverdueFloors(ctx); expired > 0 {
		logging.Info(ctx, "Expired overdue floor grants", zap.Int("count", expired))
	}
}

// Shutdown stops admissions and the sweep, closes every live connection,
// and shuts the registry down.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all connections...")

	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.done) })
	h.sweepWG.Wait()

	clients := h.clientSnapshot()
	for _, c := range clients {
		c.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	logging.Info(ctx, "All connections closed", zap.Int("count", len(clients)))

	return h.registry.Shutdown(ctx)
}
