package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// Floor transition kinds for metrics and logs.
const (
	floorCauseGranted  = "granted"
	floorCauseDenied   = "denied"
	floorCauseReleased = "released"
	floorCauseExpired  = "expired"
	floorCauseRevoked  = "revoked" // holder left, disconnected or was replaced
)

// FloorGrant is the exclusive speaking slot for a room. At most one exists
// per room, and its holder is always a current member.
type FloorGrant struct {
	HolderUserID      types.UserIdType
	HolderDisplayName types.DisplayNameType
	GrantedAt         time.Time
	ExpiresAt         time.Time
}

// expired reports whether the grant's TTL has passed.
func (g *FloorGrant) expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// RequestFloor arbitrates a REQUEST_FLOOR from conn. The requester always
// gets a direct FLOOR_GRANTED reply; on success every member additionally
// receives the FLOOR_STATE{grant} broadcast. A grant past its TTL counts as
// vacant (lazy expiry) and its FLOOR_STATE{none} is emitted before the new
// grant's broadcast.
func (r *Room) RequestFloor(ctx context.Context, conn types.ConnectionInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	ctx = logging.WithRoom(logging.WithUser(ctx, string(userID)), string(r.id))

	if _, ok := r.members[userID]; !ok {
		conn.Send(protocol.TypeFloorGranted, protocol.FloorGrantedPayload{
			RoomID:  string(r.id),
			Granted: false,
			Reason:  protocol.ReasonNotInRoom,
		})
		return
	}

	now := time.Now()
	if r.floor != nil && r.floor.expired(now) {
		r.expireFloorLocked(ctx)
	}

	if r.floor != nil {
		// Someone else is talking. Denials are quiet: only the requester
		// hears about them.
		metrics.FloorGrants.WithLabelValues(floorCauseDenied).Inc()
		conn.Send(protocol.TypeFloorGranted, protocol.FloorGrantedPayload{
			RoomID:  string(r.id),
			Granted: false,
			Reason:  protocol.ReasonAlreadyHeld,
		})
		return
	}

	r.floor = &FloorGrant{
		HolderUserID:      userID,
		HolderDisplayName: conn.DisplayName(),
		GrantedAt:         now,
		ExpiresAt:         now.Add(r.floorTTL),
	}

	metrics.FloorGrants.WithLabelValues(floorCauseGranted).Inc()
	logging.Info(ctx, "Floor granted", zap.Time("expiresAt", r.floor.ExpiresAt))

	conn.Send(protocol.TypeFloorGranted, protocol.FloorGrantedPayload{
		RoomID:  string(r.id),
		Granted: true,
	})

	state := buildFloorStateFrame(r.id, r.floor)
	r.broadcastRawLocked(state, "")
	r.mirrorBroadcastLocked(state, "")
}

// ReleaseFloor handles a RELEASE_FLOOR from userID. Releasing a floor you do
// not hold is a no-op: no error, no broadcast.
func (r *Room) ReleaseFloor(ctx context.Context, userID types.UserIdType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseFloorLocked(ctx, userID, floorCauseReleased)
}

// releaseFloorLocked clears the grant if userID holds it and broadcasts
// FLOOR_STATE{none}. Exactly one such broadcast is produced per grant.
func (r *Room) releaseFloorLocked(ctx context.Context, userID types.UserIdType, cause string) bool {
	if r.floor == nil || r.floor.HolderUserID != userID {
		return false
	}

	r.floor = nil
	metrics.FloorGrants.WithLabelValues(cause).Inc()
	logging.Info(ctx, "Floor released", zap.String("cause", cause))

	state := buildFloorStateFrame(r.id, nil)
	r.broadcastRawLocked(state, "")
	r.mirrorBroadcastLocked(state, "")
	return true
}

// expireFloorLocked drops an overdue grant, broadcasting FLOOR_STATE{none}.
func (r *Room) expireFloorLocked(ctx context.Context) {
	holder := r.floor.HolderUserID
	logging.Info(ctx, "Floor grant expired", zap.String("holder", string(holder)))
	r.releaseFloorLocked(ctx, holder, floorCauseExpired)
}

// ExpireFloorIfOverdue is the eager half of the expiry policy, called from
// the heartbeat sweep. Reports whether an expiry fired.
func (r *Room) ExpireFloorIfOverdue(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.floor == nil || !r.floor.expired(time.Now()) {
		return false
	}
	r.expireFloorLocked(logging.WithRoom(ctx, string(r.id)))
	return true
}

// HasFloor reports whether userID holds a live, unexpired grant. This is the
// authoritative check gating WEBRTC_OFFER relay.
func (r *Room) HasFloor(userID types.UserIdType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasFloorLocked(userID, time.Now())
}

func (r *Room) hasFloorLocked(userID types.UserIdType, now time.Time) bool {
	return r.floor != nil && r.floor.HolderUserID == userID && !r.floor.expired(now)
}

// FloorState returns the current grant, or nil when the floor is open.
func (r *Room) FloorState() *FloorGrant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.floor == nil {
		return nil
	}
	grant := *r.floor
	return &grant
}

// floorInfoLocked converts the live grant into its wire shape. An expired
// grant still waiting for lazy or sweep expiry reads as an open floor.
func (r *Room) floorInfoLocked() *protocol.FloorInfo {
	if r.floor == nil || r.floor.expired(time.Now()) {
		return nil
	}
	return &protocol.FloorInfo{
		HolderUserID:      string(r.floor.HolderUserID),
		HolderDisplayName: string(r.floor.HolderDisplayName),
		GrantedAt:         r.floor.GrantedAt,
		ExpiresAt:         r.floor.ExpiresAt,
	}
}
