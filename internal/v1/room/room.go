// Package room owns the server's shared signaling state: the registry of
// live rooms, per-room membership, floor arbitration and WebRTC relay.
// Every inspect-then-mutate runs under the owning room's mutex; sends issued
// while holding it only push to per-connection buffered queues, so no lock
// is ever held across a blocking socket write.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// Room is one push-to-talk room: a member roster and at most one floor
// grant. Created lazily on first join, destroyed when the last member
// leaves.
type Room struct {
	id       types.RoomIdType
	mu       sync.Mutex
	members  map[types.UserIdType]types.ConnectionInterface
	floor    *FloorGrant
	capacity int
	floorTTL time.Duration

	onEmpty func(types.RoomIdType)
	bus     types.BusService

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	publishChan chan struct{} // Semaphore bounding concurrent bus publishes
}

// NewRoom creates a room and, when a bus is configured, subscribes it to the
// room's fan-out channel.
func NewRoom(id types.RoomIdType, capacity int, floorTTL time.Duration, onEmpty func(types.RoomIdType), busService types.BusService) *Room {
	r := &Room{
		id:          id,
		members:     make(map[types.UserIdType]types.ConnectionInterface),
		capacity:    capacity,
		floorTTL:    floorTTL,
		onEmpty:     onEmpty,
		bus:         busService,
		publishChan: make(chan struct{}, 100),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if busService != nil {
		r.subscribeToBus()
	}

	return r
}

// ID returns the room id.
func (r *Room) ID() types.RoomIdType {
	return r.id
}

// IsEmpty reports whether the room has no members.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// MemberCount returns the current roster size.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// HasMember reports whether userID is currently in the roster.
func (r *Room) HasMember(userID types.UserIdType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[userID]
	return ok
}

// SocketOf returns the connection for userID, used by targeted relays.
func (r *Room) SocketOf(userID types.UserIdType) (types.ConnectionInterface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.members[userID]
	return conn, ok
}

// Join admits conn's principal into the room. Capacity violations answer the
// joiner with ROOM_FULL; a duplicate userId evicts the prior connection with
// close code REPLACED before the new one is admitted.
func (r *Room) Join(ctx context.Context, conn types.ConnectionInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	ctx = logging.WithRoom(logging.WithUser(ctx, string(userID)), string(r.id))

	if existing, ok := r.members[userID]; ok {
		if existing == conn {
			// Re-join on the same connection, just refresh the snapshot.
			conn.Send(protocol.TypeRoomState, r.roomStateLocked())
			return
		}
		// Same user on a new connection: the old one loses. Replacement
		// never changes the roster size, so it bypasses the capacity check.
		logging.Info(ctx, "Duplicate user, evicting prior connection")
		r.evictLocked(ctx, existing)
	} else if len(r.members) >= r.capacity {
		logging.Warn(ctx, "Room at capacity, rejecting join", zap.Int("capacity", r.capacity))
		conn.SendError(protocol.CodeRoomFull, "room is at capacity")
		return
	}

	r.members[userID] = conn
	conn.AddRoom(r.id)
	r.presenceAdd(userID)

	joined := buildUserJoinedFrame(r.id, conn)
	r.broadcastRawLocked(joined, userID)
	r.mirrorBroadcastLocked(joined, userID)

	conn.Send(protocol.TypeRoomState, r.roomStateLocked())

	metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
	logging.Info(ctx, "User joined room", zap.Int("members", len(r.members)))
}

// Leave removes conn from the roster, releasing the floor if it was held.
// A stale connection that has already been replaced only clears its own
// bookkeeping.
func (r *Room) Leave(ctx context.Context, conn types.ConnectionInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(ctx, conn)
}

func (r *Room) leaveLocked(ctx context.Context, conn types.ConnectionInterface) {
	userID := conn.UserID()
	ctx = logging.WithRoom(logging.WithUser(ctx, string(userID)), string(r.id))

	current, ok := r.members[userID]
	if !ok || current != conn {
		// Already gone, or replaced by a newer connection.
		conn.RemoveRoom(r.id)
		return
	}

	delete(r.members, userID)
	conn.RemoveRoom(r.id)
	r.presenceRemove(userID)

	// Floor/membership coupling: a departing holder always releases.
	r.releaseFloorLocked(ctx, userID, floorCauseRevoked)

	left := buildUserLeftFrame(r.id, userID)
	r.broadcastRawLocked(left, "")
	r.mirrorBroadcastLocked(left, "")

	logging.Info(ctx, "User left room", zap.Int("members", len(r.members)))

	if len(r.members) == 0 {
		metrics.RoomMembers.DeleteLabelValues(string(r.id))
		if r.onEmpty != nil {
			go r.onEmpty(r.id)
		}
	} else {
		metrics.RoomMembers.WithLabelValues(string(r.id)).Set(float64(len(r.members)))
	}
}

// evictLocked removes a replaced connection: roster exit, floor release,
// USER_LEFT to the remaining members, then the REPLACED close. The evicted
// connection's own disconnect cleanup becomes a no-op because the roster no
// longer points at it.
func (r *Room) evictLocked(ctx context.Context, old types.ConnectionInterface) {
	userID := old.UserID()

	delete(r.members, userID)
	old.RemoveRoom(r.id)
	r.presenceRemove(userID)

	r.releaseFloorLocked(ctx, userID, floorCauseRevoked)

	left := buildUserLeftFrame(r.id, userID)
	r.broadcastRawLocked(left, "")
	r.mirrorBroadcastLocked(left, "")

	old.CloseWithCode(protocol.CloseReplaced, "replaced by a newer connection")
}

// Close disconnects every member and cancels the room's context. Used on
// server shutdown.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logging.Info(r.ctx, "Closing room", zap.String("roomId", string(r.id)), zap.String("reason", reason))
	r.cancel()

	for _, conn := range r.members {
		conn.SendError(protocol.CodeHandlerError, reason)
	}
}

// Shutdown waits for the room's background publishers to drain.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roomStateLocked snapshots the roster and floor for a ROOM_STATE payload.
func (r *Room) roomStateLocked() protocol.RoomStatePayload {
	members := make([]protocol.MemberInfo, 0, len(r.members))
	for _, conn := range r.members {
		members = append(members, protocol.MemberInfo{
			UserID:      string(conn.UserID()),
			DisplayName: string(conn.DisplayName()),
			PhotoURL:    conn.PhotoURL(),
		})
	}

	return protocol.RoomStatePayload{
		RoomID:  string(r.id),
		Members: members,
		Floor:   r.floorInfoLocked(),
	}
}

// broadcastRawLocked queues a pre-encoded frame on every member except the
// named one. Queue pushes are non-blocking; slow consumers drop.
func (r *Room) broadcastRawLocked(data []byte, except types.UserIdType) {
	for userID, conn := range r.members {
		if except != "" && userID == except {
			continue
		}
		conn.SendRaw(data)
	}
}

// Broadcast queues a pre-encoded frame on every member except the named one
// and mirrors it to the bus.
func (r *Room) Broadcast(data []byte, except types.UserIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastRawLocked(data, except)
	r.mirrorBroadcastLocked(data, except)
}
