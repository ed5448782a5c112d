package types

import (
	"context"
	"sync"

	"github.com/breaker-app/breaker/server/go/internal/v1/auth"
	"github.com/breaker-app/breaker/server/go/internal/v1/bus"
)

// --- Core Domain Types ---

// UserIdType represents the authenticated identity of a connection's user.
type UserIdType string

// RoomIdType represents a unique identifier for a push-to-talk room.
type RoomIdType string

// DisplayNameType represents the human-readable name for a user.
type DisplayNameType string

// --- Shared Interfaces ---

// TokenVerifier resolves a bearer token into a principal. Implemented by the
// JWKS verifier and the development-only insecure verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token, clientDisplayName string) (*auth.Principal, error)
}

// BusService defines the interface for cross-instance frame mirroring and
// presence bookkeeping. A nil implementation means single-instance mode.
type BusService interface {
	PublishBroadcast(ctx context.Context, roomID string, frame []byte, exceptUserID string) error
	PublishTarget(ctx context.Context, roomID, targetUserID string, frame []byte) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.Envelope))
	Ping(ctx context.Context) error
	Close() error
	// Redis set operations for distributed presence
	SetAdd(ctx context.Context, key string, value string) error
	SetRem(ctx context.Context, key string, value string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// ConnectionInterface defines the behavior the room package needs from a
// live connection, keeping room free of any transport dependency.
type ConnectionInterface interface {
	UserID() UserIdType
	DisplayName() DisplayNameType
	PhotoURL() string

	// Send encodes and queues one frame; SendRaw queues a pre-encoded frame.
	// Both are non-blocking and drop when the connection cannot keep up.
	Send(msgType string, payload any)
	SendRaw(data []byte)
	SendError(code, message string)

	// CloseWithCode closes the underlying socket with an application close
	// code (eviction, capacity). Idempotent.
	CloseWithCode(code int, reason string)

	// Joined-room bookkeeping, mirrored by the registry on join and leave.
	AddRoom(RoomIdType)
	RemoveRoom(RoomIdType)
	Rooms() []RoomIdType
}
