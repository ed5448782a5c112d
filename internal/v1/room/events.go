package room

import (
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// Frame constructors for room events. Frames are encoded once and fanned out
// as raw bytes so every recipient sees identical content and timestamps.

func buildUserJoinedFrame(roomID types.RoomIdType, conn types.ConnectionInterface) []byte {
	return protocol.MustEncode(protocol.TypeUserJoined, protocol.UserJoinedPayload{
		RoomID:      string(roomID),
		UserID:      string(conn.UserID()),
		DisplayName: string(conn.DisplayName()),
		PhotoURL:    conn.PhotoURL(),
	})
}

func buildUserLeftFrame(roomID types.RoomIdType, userID types.UserIdType) []byte {
	return protocol.MustEncode(protocol.TypeUserLeft, protocol.UserLeftPayload{
		RoomID: string(roomID),
		UserID: string(userID),
	})
}

// buildFloorStateFrame encodes a floor transition. A nil grant means the
// floor is open.
func buildFloorStateFrame(roomID types.RoomIdType, grant *FloorGrant) []byte {
	payload := protocol.FloorStatePayload{
		RoomID: string(roomID),
		State:  protocol.FloorStateNone,
	}
	if grant != nil {
		expiresAt := grant.ExpiresAt
		payload.State = protocol.FloorStateGrant
		payload.HolderUserID = string(grant.HolderUserID)
		payload.HolderDisplayName = string(grant.HolderDisplayName)
		payload.ExpiresAt = &expiresAt
	}
	return protocol.MustEncode(protocol.TypeFloorState, payload)
}
