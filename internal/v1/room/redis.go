package room

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/bus"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// Cross-instance plumbing. Frames published by other instances for this
// room are delivered to local members; membership changes are mirrored into
// a Redis set so any instance can inspect a room's full roster. All bus
// traffic runs on background goroutines bounded by publishChan, so the room
// lock is never held across a network call.

// roomMembersKey is the presence set schema shared by all instances.
func roomMembersKey(roomID types.RoomIdType) string {
	return fmt.Sprintf("room:%s:members", roomID)
}

func (r *Room) subscribeToBus() {
	r.bus.Subscribe(r.ctx, string(r.id), &r.wg, func(env bus.Envelope) {
		r.handleBusEnvelope(env)
	})
	logging.Info(r.ctx, "Subscribed to bus", zap.String("roomId", string(r.id)))
}

// handleBusEnvelope delivers a frame published by another instance to the
// local members it addresses.
func (r *Room) handleBusEnvelope(env bus.Envelope) {
	if len(env.Frame) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if env.TargetUserID != "" {
		if conn, ok := r.members[types.UserIdType(env.TargetUserID)]; ok {
			conn.SendRaw(env.Frame)
		}
		return
	}

	r.broadcastRawLocked(env.Frame, types.UserIdType(env.ExceptUserID))
}

// mirrorBroadcastLocked forwards a local broadcast to the other instances.
// The publish runs on a goroutine gated by publishChan; when the gate is
// full the mirror is dropped rather than stalling the room.
func (r *Room) mirrorBroadcastLocked(frame []byte, except types.UserIdType) {
	r.runBusTaskLocked(func(ctx context.Context) {
		if err := r.bus.PublishBroadcast(ctx, string(r.id), frame, string(except)); err != nil {
			logging.Error(ctx, "Bus broadcast mirror failed", zap.String("roomId", string(r.id)), zap.Error(err))
		}
	})
}

// mirrorTargetLocked forwards a targeted relay whose recipient is not local.
func (r *Room) mirrorTargetLocked(frame []byte, target types.UserIdType) {
	r.runBusTaskLocked(func(ctx context.Context) {
		if err := r.bus.PublishTarget(ctx, string(r.id), string(target), frame); err != nil {
			logging.Error(ctx, "Bus target mirror failed", zap.String("roomId", string(r.id)), zap.Error(err))
		}
	})
}

// presenceAdd records userID in the shared roster set.
func (r *Room) presenceAdd(userID types.UserIdType) {
	r.runBusTaskLocked(func(ctx context.Context) {
		if err := r.bus.SetAdd(ctx, roomMembersKey(r.id), string(userID)); err != nil {
			logging.Error(ctx, "Presence add failed", zap.String("roomId", string(r.id)), zap.Error(err))
		}
	})
}

// presenceRemove drops userID from the shared roster set.
func (r *Room) presenceRemove(userID types.UserIdType) {
	r.runBusTaskLocked(func(ctx context.Context) {
		if err := r.bus.SetRem(ctx, roomMembersKey(r.id), string(userID)); err != nil {
			logging.Error(ctx, "Presence remove failed", zap.String("roomId", string(r.id)), zap.Error(err))
		}
	})
}

// runBusTaskLocked runs task on a tracked goroutine if the publish gate has
// room, and drops it otherwise. Safe to call while holding r.mu.
func (r *Room) runBusTaskLocked(task func(ctx context.Context)) {
	if r.bus == nil {
		return
	}

	select {
	case r.publishChan <- struct{}{}:
		r.wg.Add(1)
		go func() {
			defer func() {
				<-r.publishChan
				r.wg.Done()
			}()
			task(r.ctx)
		}()
	default:
		logging.Warn(r.ctx, "Dropping bus task - publish gate full", zap.String("roomId", string(r.id)))
	}
}
