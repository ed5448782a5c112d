// Package ratelimit guards the HTTP surface: one limiter for WebSocket
// upgrade attempts keyed by client IP, one for the read-only status
// endpoints. The per-connection inbound frame limiter lives in transport;
// this package only throttles how fast connections may be opened.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/breaker-app/breaker/server/go/internal/v1/config"
	"github.com/breaker-app/breaker/server/go/internal/v1/logging"
	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
)

// RateLimiter holds the per-concern limiter instances.
type RateLimiter struct {
	upgradeIP *limiter.Limiter
	status    *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter builds the limiters from the configured formatted rates.
// With a Redis client the counters are shared across instances; without one
// they fall back to process-local memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	upgradeRate, err := limiter.NewRateFromFormatted(cfg.UpgradeRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid upgrade rate: %w", err)
	}

	statusRate, err := limiter.NewRateFromFormatted(cfg.StatusRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid status rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		upgradeIP: limiter.New(store, upgradeRate),
		status:    limiter.New(store, statusRate),
		store:     store,
	}, nil
}

// CheckUpgrade reports whether this client IP may open another connection.
// On rejection the 429 response is already written; the caller just returns.
// Store failures fail open so a Redis outage cannot block all connects.
func (rl *RateLimiter) CheckUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.upgradeIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Upgrade rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// StatusMiddleware limits the read-only status endpoints per client IP.
func (rl *RateLimiter) StatusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		limitContext, err := rl.status.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Status rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limitContext.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limitContext.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limitContext.Reset, 10))

		if limitContext.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": limitContext.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}
