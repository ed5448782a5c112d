package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/breaker-app/breaker/server/go/internal/v1/auth"
	"github.com/breaker-app/breaker/server/go/internal/v1/bus"
	"github.com/breaker-app/breaker/server/go/internal/v1/config"
	"github.com/breaker-app/breaker/server/go/internal/v1/health"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/middleware"
	"github.com/breaker-app/breaker/server/go/internal/v1/ratelimit"
	"github.com/breaker-app/breaker/server/go/internal/v1/room"
	"github.com/breaker-app/breaker/server/go/internal/v1/tracing"
	"github.com/breaker-app/breaker/server/go/internal/v1/transport"
	"github.com/breaker-app/breaker/server/go/internal/v1/types"
)

const serviceName = "breaker-signal"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(!cfg.Production()); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Identity Verifier ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && !cfg.Production() && cfg.TrustAnchor == "" {
		// FALLBACK: non-production without a trust anchor runs insecure.
		slog.Warn("⚠️  Development mode: AUTH_TRUST_ANCHOR missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var verifier types.TokenVerifier
	var authMode string
	if skipAuth {
		slog.Warn("⚠️  Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		verifier = &auth.InsecureVerifier{}
		authMode = "insecure"
	} else {
		v, err := auth.NewVerifier(context.Background(), cfg.TrustAnchor, cfg.Audience)
		if err != nil {
			slog.Error("Failed to create token verifier", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Token verifier initialized", "trustAnchor", cfg.TrustAnchor, "audience", cfg.Audience)
		verifier = v
		authMode = "jwks"
	}

	// --- Tracing (Optional) ---
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTelCollectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, cfg.OTelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			slog.Info("✅ Tracing initialized", "collector", cfg.OTelCollectorAddr)
			tracerProvider = tp
		}
	}

	// --- Redis Bus Initialization (Optional) ---
	// Cross-instance frame mirroring; without it the server runs standalone.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// Avoid handing a typed nil into the interface-valued bus dependency.
	var busIface types.BusService
	if busService != nil {
		busIface = busService
	}

	// --- Rate Limiter ---
	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Registry and Hub ---
	registry := room.NewRegistry(busIface, cfg.RoomCapacity, cfg.FloorTTL)

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := transport.NewHub(verifier, registry, limiter, transport.HubConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxFramesPerSecond: cfg.MessageRateLimit,
		AuthTimeout:        cfg.AuthTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		AllowedOrigins:     allowedOrigins,
	})
	hub.Start()

	// --- Set up Server ---
	router := gin.Default()
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	router.Use(cors.New(corsConfig))

	if tracerProvider != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Read-only status surfaces
	healthHandler := health.NewHandler(hub, busService, cfg, authMode)
	statusGroup := router.Group("/", limiter.StatusMiddleware())
	{
		statusGroup.GET("/health", healthHandler.Health)
		statusGroup.GET("/health/live", healthHandler.Liveness)
		statusGroup.GET("/health/ready", healthHandler.Readiness)
		statusGroup.GET("/stats", healthHandler.Stats)
		statusGroup.GET("/debug", healthHandler.Debug)
	}

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Signaling server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop admissions, close every live connection, drain the rooms.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	if tracerProvider != nil {
		if err := tracing.Shutdown(context.Background(), tracerProvider); err != nil {
			slog.Error("Failed to flush traces:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
