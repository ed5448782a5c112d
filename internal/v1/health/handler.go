// Package health serves the read-only status surfaces: liveness and
// readiness probes plus the /health, /stats and /debug endpoints.
package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/bus"
	"github.com/breaker-app/breaker/server/go/internal/v1/config"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
)

// Source reports the live room and connection counts. Satisfied by the hub.
type Source interface {
	ConnectionCount() int
	RoomCount() int
}

// Handler manages the status endpoints.
type Handler struct {
	source    Source
	bus       *bus.Service
	cfg       *config.Config
	authMode  string
	startedAt time.Time
}

// NewHandler creates a status handler. authMode names the active verifier
// ("jwks" or "insecure") so /debug reports which one a deployment runs.
func NewHandler(source Source, busService *bus.Service, cfg *config.Config, authMode string) *Handler {
	return &Handler{
		source:    source,
		bus:       busService,
		cfg:       cfg,
		authMode:  authMode,
		startedAt: time.Now(),
	}
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// MemoryStats is the memory block inside GET /stats.
type MemoryStats struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
}

// StatsResponse is the GET /stats body.
type StatsResponse struct {
	Rooms         int         `json:"rooms"`
	Connections   int         `json:"connections"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Memory        MemoryStats `json:"memory"`
	Goroutines    int         `json:"goroutines"`
}

// Health handles GET /health: a cheap snapshot of service liveness and load.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Rooms:       h.source.RoomCount(),
		Connections: h.source.ConnectionCount(),
	})
}

// Stats handles GET /stats: counts plus process uptime and memory.
func (h *Handler) Stats(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, StatsResponse{
		Rooms:         h.source.RoomCount(),
		Connections:   h.source.ConnectionCount(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Memory: MemoryStats{
			AllocBytes:      mem.Alloc,
			TotalAllocBytes: mem.TotalAlloc,
			SysBytes:        mem.Sys,
			NumGC:           mem.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
	})
}

// Debug handles GET /debug: non-secret configuration reflection. Deployments
// use it to confirm which verifier mode is active.
func (h *Handler) Debug(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"environment":         h.cfg.Environment,
		"auth_mode":           h.authMode,
		"trust_anchor":        h.cfg.TrustAnchor,
		"allowed_origins":     h.cfg.AllowedOrigins,
		"heartbeat_interval":  h.cfg.HeartbeatInterval.String(),
		"auth_timeout":        h.cfg.AuthTimeout.String(),
		"floor_ttl":           h.cfg.FloorTTL.String(),
		"room_capacity":       h.cfg.RoomCapacity,
		"max_connections":     h.cfg.MaxConnections,
		"message_rate_limit":  h.cfg.MessageRateLimit,
		"upgrade_rate_limit":  h.cfg.UpgradeRateLimit,
		"redis_enabled":       h.cfg.RedisEnabled,
		"otel_collector_addr": h.cfg.OTelCollectorAddr,
	})
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies bus connectivity with a PING. Single-instance mode has
// no bus and always reads healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}

	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
