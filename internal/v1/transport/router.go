package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/auth"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/room"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// Frame handling outcomes, recorded per type in the frames metric.
const (
	statusOK         = "ok"
	statusRejected   = "rejected"
	statusParseError = "parse_error"
	statusUnknown    = "unknown"
	statusPanic      = "panic"
)

// Router parses inbound frames and dispatches them to the registry. It
// enforces the authenticated-first rule: until AUTH succeeds, only AUTH and
// PING are processed; anything else draws NOT_AUTHENTICATED, and on the very
// first frame also closes the connection once the error has flushed.
type Router struct {
	verifier types.TokenVerifier
	registry *room.Registry
}

func NewRouter(verifier types.TokenVerifier, registry *room.Registry) *Router {
	return &Router{verifier: verifier, registry: registry}
}

// HandleFrame processes one inbound frame end to end. Handlers are
// synchronous, so all broadcasts caused by this frame are queued before the
// connection's next frame is read.
func (rt *Router) HandleFrame(ctx context.Context, c *Client, data []byte) {
	start := time.Now()

	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.Frames.WithLabelValues("invalid", statusParseError).Inc()
		logging.GetLogger().Debug("Dropping malformed frame", zap.String("connId", c.id), zap.Error(err))
		c.SendError(protocol.CodeParseError, "malformed frame")
		return
	}

	status := rt.dispatch(ctx, c, msg)

	metrics.Frames.WithLabelValues(msg.Type, status).Inc()
	metrics.FrameHandlingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
}

// dispatch routes one decoded frame. A panicking handler is contained here:
// the connection gets HANDLER_ERROR and stays up, as do all other
// connections and rooms.
func (rt *Router) dispatch(ctx context.Context, c *Client, msg *protocol.Message) (status string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Recovered from panic in frame handler",
				zap.String("connId", c.id),
				zap.String("type", msg.Type),
				zap.Any("panic", r))
			c.SendError(protocol.CodeHandlerError, "internal error handling frame")
			status = statusPanic
		}
	}()

	isFirst := c.consumeFirstFrame()

	switch msg.Type {
	case protocol.TypeAuth:
		return rt.handleAuth(ctx, c, msg.Payload)
	case protocol.TypePing:
		c.Send(protocol.TypePong, nil)
		return statusOK
	}

	if !c.isAuthenticated() {
		c.SendError(protocol.CodeNotAuthenticated, "authenticate before sending other frames")
		if isFirst {
			logging.Warn(ctx, "First frame was not AUTH, closing", zap.String("connId", c.id), zap.String("type", msg.Type))
			c.CloseWithCode(protocol.CloseAuthFailed, "authentication required")
		}
		return statusRejected
	}

	ctx = logging.WithUser(ctx, string(c.UserID()))

	switch msg.Type {
	case protocol.TypeJoinRoom:
		return rt.handleJoin(ctx, c, msg.Payload)
	case protocol.TypeLeaveRoom:
		return rt.handleLeave(ctx, c, msg.Payload)
	case protocol.TypeRequestFloor:
		return rt.handleRequestFloor(ctx, c, msg.Payload)
	case protocol.TypeReleaseFloor:
		return rt.handleReleaseFloor(ctx, c, msg.Payload)
	case protocol.TypeOffer:
		return rt.handleOffer(ctx, c, msg.Payload)
	case protocol.TypeAnswer:
		return rt.handleAnswer(ctx, c, msg.Payload)
	case protocol.TypeICE:
		return rt.handleICE(ctx, c, msg.Payload)
	case protocol.TypeICEBatch:
		return rt.handleICEBatch(ctx, c, msg.Payload)
	default:
		c.SendError(protocol.CodeUnknownMessage, fmt.Sprintf("unknown message type %q", msg.Type))
		return statusUnknown
	}
}

func (rt *Router) handleAuth(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.AuthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed AUTH payload")
		return statusParseError
	}

	if c.isAuthenticated() {
		// Repeated AUTH is idempotent: re-confirm the bound principal
		// without consulting the verifier again.
		c.Send(protocol.TypeAuthSuccess, protocol.AuthSuccessPayload{
			UserID:      string(c.UserID()),
			DisplayName: string(c.DisplayName()),
		})
		return statusOK
	}

	principal, err := rt.verifier.Verify(ctx, p.Token, p.DisplayName)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failed").Inc()
		logging.Warn(ctx, "Authentication failed", zap.String("connId", c.id), zap.Error(err))

		reason := "invalid token"
		if errors.Is(err, auth.ErrVerifyTimeout) {
			reason = "timeout"
		}
		c.Send(protocol.TypeAuthFailed, protocol.AuthFailedPayload{Reason: reason})
		c.CloseWithCode(protocol.CloseAuthFailed, "authentication failed")
		return statusRejected
	}

	c.setPrincipal(principal)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	logging.Info(logging.WithUser(ctx, principal.UserID), "Connection authenticated",
		zap.String("connId", c.id),
		zap.String("displayName", principal.DisplayName))

	c.Send(protocol.TypeAuthSuccess, protocol.AuthSuccessPayload{
		UserID:      principal.UserID,
		DisplayName: principal.DisplayName,
	})
	return statusOK
}

func (rt *Router) handleJoin(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed JOIN_ROOM payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.Join(ctx, types.RoomIdType(p.RoomID), c)
	return statusOK
}

func (rt *Router) handleLeave(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed LEAVE_ROOM payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.Leave(ctx, types.RoomIdType(p.RoomID), c)
	return statusOK
}

func (rt *Router) handleRequestFloor(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed REQUEST_FLOOR payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.RequestFloor(ctx, types.RoomIdType(p.RoomID), c)
	return statusOK
}

func (rt *Router) handleReleaseFloor(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed RELEASE_FLOOR payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.ReleaseFloor(ctx, types.RoomIdType(p.RoomID), c)
	return statusOK
}

func (rt *Router) handleOffer(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.OfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed WEBRTC_OFFER payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.RelayOffer(ctx, c, p)
	return statusOK
}

func (rt *Router) handleAnswer(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.AnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed WEBRTC_ANSWER payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.RelayAnswer(ctx, c, p)
	return statusOK
}

func (rt *Router) handleICE(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.ICEPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed WEBRTC_ICE payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.RelayICE(ctx, c, p)
	return statusOK
}

func (rt *Router) handleICEBatch(ctx context.Context, c *Client, raw json.RawMessage) string {
	var p protocol.ICEBatchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.SendError(protocol.CodeParseError, "malformed WEBRTC_ICE_BATCH payload")
		return statusParseError
	}
	if err := p.Validate(); err != nil {
		c.SendError(protocol.CodeParseError, err.Error())
		return statusParseError
	}

	rt.registry.RelayICEBatch(ctx, c, p)
	return statusOK
}
