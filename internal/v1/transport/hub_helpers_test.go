package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func originRequest(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://ptt.example.com"}

	tests := []struct {
		name    string
		origin  string
		allowed []string
		wantErr string
	}{
		{
			name:    "no origin header allows non-browser clients",
			origin:  "",
			allowed: allowed,
		},
		{
			name:    "exact match",
			origin:  "http://localhost:3000",
			allowed: allowed,
		},
		{
			name:    "second entry matches",
			origin:  "https://ptt.example.com",
			allowed: allowed,
		},
		{
			name:    "wildcard allows everything",
			origin:  "https://anything.example.net",
			allowed: []string{"*"},
		},
		{
			name:    "scheme mismatch",
			origin:  "https://localhost:3000",
			allowed: allowed,
			wantErr: "origin not allowed",
		},
		{
			name:    "port mismatch",
			origin:  "http://localhost:3001",
			allowed: allowed,
			wantErr: "origin not allowed",
		},
		{
			name:    "host mismatch",
			origin:  "http://evil.example.com",
			allowed: allowed,
			wantErr: "origin not allowed",
		},
		{
			name:    "allowed host as subdomain of an attacker",
			origin:  "http://localhost:3000.evil.example.com",
			allowed: allowed,
			wantErr: "origin not allowed",
		},
		{
			name:    "allowed host smuggled in the path",
			origin:  "http://evil.example.com/http://localhost:3000",
			allowed: allowed,
			wantErr: "origin not allowed",
		},
		{
			name:    "malformed origin",
			origin:  "://missing-scheme",
			allowed: allowed,
			wantErr: "invalid origin URL",
		},
		{
			name:    "malformed allowed entry is skipped",
			origin:  "https://ptt.example.com",
			allowed: []string{"://broken", "https://ptt.example.com"},
		},
		{
			name:    "path on allowed entry is ignored",
			origin:  "https://ptt.example.com",
			allowed: []string{"https://ptt.example.com/app"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOrigin(originRequest(tt.origin), tt.allowed)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestUpgradeWebSocket_FailsWithoutHandshake(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(w)
	ginCtx.Request = originRequest("")

	conn, err := upgradeWebSocket(ginCtx, []string{"*"})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpgradeWebSocket_ChecksOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(w)
	req := originRequest("http://evil.example.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	ginCtx.Request = req

	conn, err := upgradeWebSocket(ginCtx, []string{"http://localhost:3000"})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
