package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breaker-app/breaker/server/go/internal/v1/auth"
)

// recordedWrite is one WriteMessage call captured by MockConnection.
type recordedWrite struct {
	messageType int
	data        []byte
}

// MockConnection implements wsConnection. Reads are scripted through
// ReadMessageFunc; writes and close calls are recorded for assertions.
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(messageType int, data []byte) error

	mu          sync.Mutex
	writes      []recordedWrite
	closeCalls  int
	pongHandler func(string) error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, errors.New("connection closed")
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	m.writes = append(m.writes, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	m.mu.Unlock()

	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }

func (m *MockConnection) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *MockConnection) Writes() []recordedWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedWrite(nil), m.writes...)
}

func (m *MockConnection) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *MockConnection) CloseCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls > 0
}

func (m *MockConnection) PongHandler() func(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pongHandler
}

// scriptedConn builds a connection whose reads deliver the given text frames
// in order, then block until release is closed, then fail like a dead socket.
func scriptedConn(frames ...[]byte) (*MockConnection, chan struct{}) {
	release := make(chan struct{})
	var mu sync.Mutex
	next := 0

	conn := &MockConnection{}
	conn.ReadMessageFunc = func() (int, []byte, error) {
		mu.Lock()
		if next < len(frames) {
			frame := frames[next]
			next++
			mu.Unlock()
			return websocket.TextMessage, frame, nil
		}
		mu.Unlock()
		<-release
		return 0, nil, errors.New("connection closed")
	}
	return conn, release
}

// MockVerifier implements types.TokenVerifier. By default the token string
// becomes the user id, so tests can mint identities inline.
type MockVerifier struct {
	VerifyFunc func(ctx context.Context, token, clientDisplayName string) (*auth.Principal, error)

	mu    sync.Mutex
	calls int
}

func (m *MockVerifier) Verify(ctx context.Context, token, clientDisplayName string) (*auth.Principal, error) {
	m.mu.Lock()
	m.calls++
	fn := m.VerifyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, token, clientDisplayName)
	}
	return &auth.Principal{UserID: token, DisplayName: "User " + token}, nil
}

func (m *MockVerifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
