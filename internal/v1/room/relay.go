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

// WebRTC relay. The server forwards offer/answer/ICE envelopes without
// inspecting their contents: outbound frames carry the same SDP and
// candidate bytes the sender submitted, plus the server-stamped sender
// identity. Offers are the only floor-gated kind; answers and candidates
// flow from listeners too.

// RelayOffer forwards a WEBRTC_OFFER. Only the current floor holder may
// send one; everyone else gets WEBRTC_ERROR and nothing is forwarded.
func (r *Room) RelayOffer(ctx context.Context, conn types.ConnectionInterface, p protocol.OfferPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	if _, ok := r.members[userID]; !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}
	if !r.hasFloorLocked(userID, time.Now()) {
		logging.Warn(logging.WithRoom(ctx, string(r.id)), "Offer rejected, sender does not hold the floor",
			zap.String("userId", string(userID)))
		conn.SendError(protocol.CodeWebRTCError, "floor not held")
		return
	}

	out := protocol.OfferPayload{
		RoomID:     string(r.id),
		SDP:        p.SDP,
		FromUserID: string(userID),
	}
	r.relayLocked(userID, protocol.MustEncode(protocol.TypeOffer, out), types.UserIdType(p.TargetUserID))
	metrics.RelayedFrames.WithLabelValues(protocol.TypeOffer).Inc()
}

// RelayAnswer forwards a WEBRTC_ANSWER to its target. No floor check:
// answers are listener responses to the current speaker. A target that has
// left the room is a silent drop.
func (r *Room) RelayAnswer(ctx context.Context, conn types.ConnectionInterface, p protocol.AnswerPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	if _, ok := r.members[userID]; !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}

	out := protocol.AnswerPayload{
		RoomID:     string(r.id),
		SDP:        p.SDP,
		FromUserID: string(userID),
	}
	r.relayLocked(userID, protocol.MustEncode(protocol.TypeAnswer, out), types.UserIdType(p.TargetUserID))
	metrics.RelayedFrames.WithLabelValues(protocol.TypeAnswer).Inc()
}

// RelayICE forwards a single WEBRTC_ICE candidate, targeted or broadcast.
func (r *Room) RelayICE(ctx context.Context, conn types.ConnectionInterface, p protocol.ICEPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	if _, ok := r.members[userID]; !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}

	out := protocol.ICEPayload{
		RoomID:        string(r.id),
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
		FromUserID:    string(userID),
	}
	r.relayLocked(userID, protocol.MustEncode(protocol.TypeICE, out), types.UserIdType(p.TargetUserID))
	metrics.RelayedFrames.WithLabelValues(protocol.TypeICE).Inc()
}

// RelayICEBatch forwards a WEBRTC_ICE_BATCH. Semantically identical to
// relaying each candidate individually; batching only cuts frame count.
func (r *Room) RelayICEBatch(ctx context.Context, conn types.ConnectionInterface, p protocol.ICEBatchPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	if _, ok := r.members[userID]; !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}

	out := protocol.ICEBatchPayload{
		RoomID:     string(r.id),
		Candidates: p.Candidates,
		FromUserID: string(userID),
	}
	r.relayLocked(userID, protocol.MustEncode(protocol.TypeICEBatch, out), types.UserIdType(p.TargetUserID))
	metrics.RelayedFrames.WithLabelValues(protocol.TypeICEBatch).Inc()
}

// relayLocked routes one encoded frame: broadcast to all other members when
// no target is named, direct delivery otherwise. A target that is not local
// falls back to the bus, which reaches it if it lives on another instance.
func (r *Room) relayLocked(sender types.UserIdType, frame []byte, target types.UserIdType) {
	if target == "" {
		r.broadcastRawLocked(frame, sender)
		r.mirrorBroadcastLocked(frame, sender)
		return
	}

	if conn, ok := r.members[target]; ok {
		conn.SendRaw(frame)
		return
	}

	if r.bus != nil {
		r.mirrorTargetLocked(frame, target)
		return
	}

	logging.GetLogger().Debug("Relay target not in room, dropping frame",
		zap.String("roomId", string(r.id)),
		zap.String("target", string(target)))
}
