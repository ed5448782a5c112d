package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/breaker-app/breaker/server/go/internal/v1/bus"
	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

// MockConnection implements types.ConnectionInterface, recording every
// outbound frame in arrival order.
type MockConnection struct {
	mu sync.Mutex

	id          types.UserIdType
	displayName types.DisplayNameType
	photoURL    string

	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
	rooms       map[types.RoomIdType]bool
}

func newMockConnection(userID, displayName string) *MockConnection {
	return &MockConnection{
		id:          types.UserIdType(userID),
		displayName: types.DisplayNameType(displayName),
		rooms:       make(map[types.RoomIdType]bool),
	}
}

func (m *MockConnection) UserID() types.UserIdType           { return m.id }
func (m *MockConnection) DisplayName() types.DisplayNameType { return m.displayName }
func (m *MockConnection) PhotoURL() string                   { return m.photoURL }

func (m *MockConnection) Send(msgType string, payload any) {
	m.SendRaw(protocol.MustEncode(msgType, payload))
}

func (m *MockConnection) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
}

func (m *MockConnection) SendError(code, message string) {
	m.SendRaw(protocol.NewErrorFrame(code, message))
}

func (m *MockConnection) CloseWithCode(code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.closeCode = code
	m.closeReason = reason
}

func (m *MockConnection) AddRoom(roomID types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = true
}

func (m *MockConnection) RemoveRoom(roomID types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
}

func (m *MockConnection) Rooms() []types.RoomIdType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RoomIdType, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// Reset drops recorded frames, keeping identity and room bookkeeping.
func (m *MockConnection) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

func (m *MockConnection) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConnection) CloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

func (m *MockConnection) CloseReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeReason
}

func (m *MockConnection) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Messages decodes every recorded frame into its envelope.
func (m *MockConnection) Messages() []*protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Message, 0, len(m.frames))
	for _, frame := range m.frames {
		if msg, err := protocol.Decode(frame); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockConnection) MessagesOfType(msgType string) []*protocol.Message {
	var out []*protocol.Message
	for _, msg := range m.Messages() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockConnection) CountOfType(msgType string) int {
	return len(m.MessagesOfType(msgType))
}

// Types returns the recorded frame types in arrival order.
func (m *MockConnection) Types() []string {
	msgs := m.Messages()
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Type
	}
	return out
}

// decodePayload unmarshals a message payload into out.
func decodePayload(t *testing.T, msg *protocol.Message, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(msg.Payload, out))
}

// publishedFrame is one recorded bus publish.
type publishedFrame struct {
	RoomID string
	Frame  []byte
	Except string
	Target string
}

// MockBusService implements types.BusService, recording mirror traffic and
// capturing per-room subscription handlers.
type MockBusService struct {
	mu sync.Mutex

	broadcasts []publishedFrame
	targets    []publishedFrame
	setAdds    map[string][]string
	setRems    map[string][]string

	handlers map[string]func(bus.Envelope)
}

func newMockBus() *MockBusService {
	return &MockBusService{
		setAdds:  make(map[string][]string),
		setRems:  make(map[string][]string),
		handlers: make(map[string]func(bus.Envelope)),
	}
}

func (b *MockBusService) PublishBroadcast(_ context.Context, roomID string, frame []byte, exceptUserID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, publishedFrame{RoomID: roomID, Frame: frame, Except: exceptUserID})
	return nil
}

func (b *MockBusService) PublishTarget(_ context.Context, roomID, targetUserID string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = append(b.targets, publishedFrame{RoomID: roomID, Frame: frame, Target: targetUserID})
	return nil
}

func (b *MockBusService) Subscribe(_ context.Context, roomID string, _ *sync.WaitGroup, handler func(bus.Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[roomID] = handler
}

func (b *MockBusService) Ping(context.Context) error { return nil }
func (b *MockBusService) Close() error               { return nil }

func (b *MockBusService) SetAdd(_ context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAdds[key] = append(b.setAdds[key], member)
	return nil
}

func (b *MockBusService) SetRem(_ context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRems[key] = append(b.setRems[key], member)
	return nil
}

func (b *MockBusService) SetMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.setAdds[key]...), nil
}

// Deliver simulates an envelope arriving from another instance.
func (b *MockBusService) Deliver(roomID string, env bus.Envelope) {
	b.mu.Lock()
	handler := b.handlers[roomID]
	b.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (b *MockBusService) Subscribed(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[roomID]
	return ok
}

func (b *MockBusService) BroadcastCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.broadcasts)
}

func (b *MockBusService) TargetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.targets)
}

func (b *MockBusService) Targets() []publishedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedFrame(nil), b.targets...)
}

func (b *MockBusService) AddedMembers(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.setAdds[key]...)
}

func (b *MockBusService) RemovedMembers(key string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.setRems[key]...)
}
