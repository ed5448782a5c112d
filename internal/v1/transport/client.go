package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/breaker-app/breaker/server/go/internal/v1/auth"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const (
	// rateWindow is the span of the per-connection inbound frame counter.
	// The counter resets when a frame arrives after the window has elapsed.
	rateWindow = time.Second

	// maxMissedHeartbeats is how many sweeps a connection may stay silent
	// before it is terminated. Two misses are absorbed, the third kills.
	maxMissedHeartbeats = 3

	writeWait = 10 * time.Second
)

// Client is one live connection: the socket, the principal slot filled by
// AUTH, heartbeat and rate-limiter state, and the set of joined room ids.
// It implements types.ConnectionInterface for the room package.
type Client struct {
	id   string // connection id for logs, distinct from the user id
	conn wsConnection
	hub  *Hub

	mu          sync.RWMutex
	principal   *auth.Principal // nil until AUTH succeeds
	rooms       set.Set[types.RoomIdType]
	closed      bool
	closeCode   int
	closeReason string
	seenFrame   bool

	isAlive          bool
	missedHeartbeats int

	frameCount         int
	windowStart        time.Time
	maxFramesPerSecond int

	authTimer *time.Timer

	send         chan []byte   // Buffered channel for broadcasts and relays
	prioritySend chan []byte   // Buffered channel for direct replies (state, auth, errors)
	pings        chan struct{} // Heartbeat pings, written by the sweep
}

func newClient(hub *Hub, conn wsConnection, maxFramesPerSecond int) *Client {
	return &Client{
		id:                 uuid.NewString(),
		conn:               conn,
		hub:                hub,
		rooms:              set.New[types.RoomIdType](),
		isAlive:            true,
		maxFramesPerSecond: maxFramesPerSecond,
		send:               make(chan []byte, 256),
		prioritySend:       make(chan []byte, 256),
		pings:              make(chan struct{}, 1),
	}
}

// --- types.ConnectionInterface getters ---

func (c *Client) UserID() types.UserIdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return types.UserIdType(c.principal.UserID)
}

func (c *Client) DisplayName() types.DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return types.DisplayNameType(c.principal.DisplayName)
}

func (c *Client) PhotoURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return c.principal.PhotoURL
}

// --- authentication state ---

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal != nil
}

// setPrincipal binds the verified identity and disarms the auth timeout.
func (c *Client) setPrincipal(p *auth.Principal) {
	c.mu.Lock()
	c.principal = p
	timer := c.authTimer
	c.authTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

// armAuthTimeout closes the connection with AUTH_TIMEOUT if no successful
// AUTH arrives within d.
func (c *Client) armAuthTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.authTimer = time.AfterFunc(d, func() {
		if c.isAuthenticated() {
			return
		}
		logging.Warn(context.Background(), "Authentication timeout, closing connection", zap.String("connId", c.id))
		c.CloseWithCode(protocol.CloseAuthTimeout, "authentication timeout")
	})
}

// consumeFirstFrame reports whether the current frame is the first decoded
// frame on this connection. The router closes on a first-frame AUTH
// violation but only errors on later ones.
func (c *Client) consumeFirstFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.seenFrame
	c.seenFrame = true
	return first
}

// --- joined-rooms bookkeeping ---

func (c *Client) AddRoom(roomID types.RoomIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Insert(roomID)
}

func (c *Client) RemoveRoom(roomID types.RoomIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Delete(roomID)
}

func (c *Client) Rooms() []types.RoomIdType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms.UnsortedList()
}

// --- heartbeat state ---

// markAlive is the pong handler's effect: liveness restored, strikes cleared.
func (c *Client) markAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isAlive = true
	c.missedHeartbeats = 0
}

// sweepLiveness advances this connection's heartbeat state by one sweep.
// A silent connection collects a strike; the third strike terminates it.
// Surviving connections are marked not-alive and pinged, so only a pong
// before the next sweep keeps them clean.
func (c *Client) sweepLiveness() (missed int, terminate bool) {
	c.mu.Lock()
	if !c.isAlive {
		c.missedHeartbeats++
		if c.missedHeartbeats >= maxMissedHeartbeats {
			missed = c.missedHeartbeats
			c.mu.Unlock()
			return missed, true
		}
	}
	c.isAlive = false
	missed = c.missedHeartbeats
	c.mu.Unlock()

	c.enqueuePing()
	return missed, false
}

// enqueuePing hands a ping to the writePump. The channel holds one pending
// ping; if the previous one has not been written yet another is pointless.
func (c *Client) enqueuePing() {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	select {
	case c.pings <- struct{}{}:
	default:
	}
}

// --- rate limiting ---

// allowFrame counts one inbound frame against the 1-second window, resetting
// the counter when the window has lapsed. Returns false once the cap is hit;
// the frame is then dropped without closing the connection.
func (c *Client) allowFrame(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.windowStart) >= rateWindow {
		c.windowStart = now
		c.frameCount = 0
	}
	c.frameCount++
	return c.frameCount <= c.maxFramesPerSecond
}

// --- sending ---

// isPriorityType routes direct replies around the broadcast queue so a
// joiner's ROOM_STATE or an error never waits behind relayed SDP.
func isPriorityType(msgType string) bool {
	switch msgType {
	case protocol.TypeRoomState, protocol.TypeFloorGranted, protocol.TypeAuthSuccess, protocol.TypeAuthFailed, protocol.TypeError:
		return true
	}
	return false
}

// Send encodes one frame and queues it. Non-blocking: a full queue drops the
// frame, a closed connection ignores it.
func (c *Client) Send(msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode outbound frame", zap.String("type", msgType), zap.Error(err))
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed connection", zap.String("connId", c.id))
		return
	}
	c.mu.RUnlock()

	// Safety net for the race between the closed check and channel close.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing connection", zap.String("connId", c.id), zap.Any("panic", r))
		}
	}()

	if isPriorityType(msgType) {
		select {
		case c.prioritySend <- data:
		default:
			logging.Error(context.Background(), "Priority queue full - dropping frame", zap.String("connId", c.id), zap.String("type", msgType))
		}
		return
	}

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Send queue full - dropping frame", zap.String("connId", c.id), zap.String("type", msgType))
	}
}

// SendRaw queues a pre-encoded frame (broadcasts and relays). Non-blocking.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed connection", zap.String("connId", c.id))
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send on closing connection", zap.String("connId", c.id), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Send queue full - dropping frame", zap.String("connId", c.id))
	}
}

// SendError queues an ERROR frame.
func (c *Client) SendError(code, message string) {
	c.Send(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// --- closing ---

// CloseWithCode closes the connection with an application close code.
// Idempotent; the writePump flushes queued frames, writes the close frame,
// and closes the socket, which in turn unblocks the readPump for cleanup.
func (c *Client) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	timer := c.authTimer
	c.authTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	// Closing the channels triggers the writePump to drain, emit the close
	// frame, and close the connection.
	close(c.send)
	close(c.prioritySend)
}

// Disconnect closes the connection without an application close code.
func (c *Client) Disconnect() {
	c.CloseWithCode(0, "")
}

// closeMessage builds the close frame payload for the writePump.
func (c *Client) closeMessage() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closeCode == 0 {
		return []byte{}
	}
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// --- pumps ---

// readPump reads inbound frames until the socket dies, applying the rate
// limiter before any parsing. Its defer is the single disconnect-cleanup
// path: every close route ends with the socket erroring this loop out.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnectCleanup(context.Background(), c)
		c.Disconnect()
		c.conn.Close()
	}()

	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if !c.allowFrame(time.Now()) {
			metrics.RateLimitedFrames.Inc()
			c.SendError(protocol.CodeRateLimited, "message rate limit exceeded")
			continue
		}

		c.hub.router.HandleFrame(context.Background(), c, data)
	}
}

// writePump is the connection's only writer. It serializes queued frames and
// heartbeat pings onto the socket; when the queues close it flushes what is
// left, writes the close frame, and closes the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.flushAndClose(c.send)
				return
			}
			if !c.write(message) {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				c.flushAndClose(c.prioritySend)
				return
			}
			if !c.write(message) {
				return
			}
		case <-c.pings:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.Error(context.Background(), "error writing message", zap.String("connId", c.id), zap.Error(err))
		return false
	}
	return true
}

// flushAndClose drains whatever the other queue still buffers, then writes
// the close frame. This is the short grace that lets a final error or
// AUTH_FAILED reach the client before the socket closes.
func (c *Client) flushAndClose(remaining chan []byte) {
	for {
		select {
		case message, ok := <-remaining:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, c.closeMessage())
				return
			}
			if !c.write(message) {
				return
			}
		default:
			_ = c.conn.WriteMessage(websocket.CloseMessage, c.closeMessage())
			return
		}
	}
}
