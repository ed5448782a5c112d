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

// Registry owns every live room. Rooms are created lazily on first join and
// removed once their last member leaves. Operations on distinct rooms run in
// parallel; the registry lock only guards the room map itself.
type Registry struct {
	mu    sync.Mutex
	rooms map[types.RoomIdType]*Room

	bus      types.BusService
	capacity int
	floorTTL time.Duration
}

// NewRegistry creates an empty registry. capacity bounds each room's roster
// and floorTTL bounds each floor grant.
func NewRegistry(busService types.BusService, capacity int, floorTTL time.Duration) *Registry {
	return &Registry{
		rooms:    make(map[types.RoomIdType]*Room),
		bus:      busService,
		capacity: capacity,
		floorTTL: floorTTL,
	}
}

// Join admits conn into roomID, creating the room if needed.
func (reg *Registry) Join(ctx context.Context, roomID types.RoomIdType, conn types.ConnectionInterface) {
	reg.getOrCreateRoom(roomID).Join(ctx, conn)
}

// Leave removes conn from roomID. Leaving a room that no longer exists only
// clears the connection's own bookkeeping.
func (reg *Registry) Leave(ctx context.Context, roomID types.RoomIdType, conn types.ConnectionInterface) {
	r, ok := reg.Room(roomID)
	if !ok {
		conn.RemoveRoom(roomID)
		return
	}
	r.Leave(ctx, conn)
}

// LeaveAll performs disconnect cleanup: the connection leaves every room it
// joined, releasing the floor wherever it held one.
func (reg *Registry) LeaveAll(ctx context.Context, conn types.ConnectionInterface) {
	for _, roomID := range conn.Rooms() {
		reg.Leave(ctx, roomID, conn)
	}
}

// RequestFloor arbitrates a floor request against roomID.
func (reg *Registry) RequestFloor(ctx context.Context, roomID types.RoomIdType, conn types.ConnectionInterface) {
	r, ok := reg.Room(roomID)
	if !ok {
		conn.Send(protocol.TypeFloorGranted, protocol.FloorGrantedPayload{
			RoomID:  string(roomID),
			Granted: false,
			Reason:  protocol.ReasonNotInRoom,
		})
		return
	}
	r.RequestFloor(ctx, conn)
}

// ReleaseFloor releases the floor in roomID if conn's user holds it.
// Releasing in an unknown room is a no-op, matching non-holder semantics.
func (reg *Registry) ReleaseFloor(ctx context.Context, roomID types.RoomIdType, conn types.ConnectionInterface) {
	if r, ok := reg.Room(roomID); ok {
		r.ReleaseFloor(ctx, conn.UserID())
	}
}

// RelayOffer routes a WEBRTC_OFFER through its room.
func (reg *Registry) RelayOffer(ctx context.Context, conn types.ConnectionInterface, p protocol.OfferPayload) {
	r, ok := reg.Room(types.RoomIdType(p.RoomID))
	if !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}
	r.RelayOffer(ctx, conn, p)
}

// RelayAnswer routes a WEBRTC_ANSWER through its room.
func (reg *Registry) RelayAnswer(ctx context.Context, conn types.ConnectionInterface, p protocol.AnswerPayload) {
	r, ok := reg.Room(types.RoomIdType(p.RoomID))
	if !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}
	r.RelayAnswer(ctx, conn, p)
}

// RelayICE routes a WEBRTC_ICE through its room.
func (reg *Registry) RelayICE(ctx context.Context, conn types.ConnectionInterface, p protocol.ICEPayload) {
	r, ok := reg.Room(types.RoomIdType(p.RoomID))
	if !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}
	r.RelayICE(ctx, conn, p)
}

// RelayICEBatch routes a WEBRTC_ICE_BATCH through its room.
func (reg *Registry) RelayICEBatch(ctx context.Context, conn types.ConnectionInterface, p protocol.ICEBatchPayload) {
	r, ok := reg.Room(types.RoomIdType(p.RoomID))
	if !ok {
		conn.SendError(protocol.CodeWebRTCError, "not a member of this room")
		return
	}
	r.RelayICEBatch(ctx, conn, p)
}

// Room looks up a live room.
func (reg *Registry) Room(roomID types.RoomIdType) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// ExpireOverdueFloors walks every room and eagerly expires floor grants
// whose TTL has passed. Called once per heartbeat sweep.
func (reg *Registry) ExpireOverdueFloors(ctx context.Context) int {
	expired := 0
	for _, r := range reg.snapshot() {
		if r.ExpireFloorIfOverdue(ctx) {
			expired++
		}
	}
	return expired
}

// Shutdown closes every room and waits for their background publishers,
// bounded by ctx.
func (reg *Registry) Shutdown(ctx context.Context) error {
	rooms := reg.snapshot()
	logging.Info(ctx, "Shutting down room registry", zap.Int("rooms", len(rooms)))

	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (reg *Registry) getOrCreateRoom(roomID types.RoomIdType) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[roomID]; ok {
		return r
	}

	logging.Info(context.Background(), "Creating room", zap.String("roomId", string(roomID)))
	r := NewRoom(roomID, reg.capacity, reg.floorTTL, reg.removeRoom, reg.bus)
	reg.rooms[roomID] = r

	metrics.ActiveRooms.Inc()
	return r
}

// removeRoom is the onEmpty callback. It runs on its own goroutine, so it
// re-checks emptiness under the registry lock: a join may have raced the
// last leave, in which case the room stays.
func (reg *Registry) removeRoom(roomID types.RoomIdType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok || !r.IsEmpty() {
		return
	}

	delete(reg.rooms, roomID)
	r.cancel()

	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(roomID))

	logging.Info(context.Background(), "Removed empty room", zap.String("roomId", string(roomID)))
}

func (reg *Registry) snapshot() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
