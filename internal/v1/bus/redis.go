// Package bus mirrors room traffic across server instances over Redis
// pub/sub. Rooms are instance-sticky behind the load balancer, so the bus
// carries only fan-out frames and presence bookkeeping; floor arbitration
// never crosses the wire. A nil *Service degrades every call to a no-op for
// single-instance deployments.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/breaker-app/breaker/server/go/internal/v1/metrics"
)

// Envelope is the container for frames moving between instances. Frame is a
// fully encoded wire frame, forwarded verbatim to local members on the
// receiving side.
type Envelope struct {
	RoomID       string          `json:"roomId"`
	Frame        json.RawMessage `json:"frame"`
	Origin       string          `json:"origin"`                 // publishing instance, used to suppress echo
	TargetUserID string          `json:"targetUserId,omitempty"` // deliver to this member only
	ExceptUserID string          `json:"exceptUserId,omitempty"` // skip this member on broadcast
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID identifies this server instance on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// NewService creates a Redis connection with conservative timeouts and a
// circuit breaker around every operation.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis pub/sub", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.NewString(),
	}, nil
}

// roomChannel is the pub/sub channel schema shared by all instances.
func roomChannel(roomID string) string {
	return fmt.Sprintf("breaker:room:%s", roomID)
}

// PublishBroadcast mirrors a room broadcast to the other instances.
// exceptUserID names the member the originating broadcast skipped, so remote
// instances skip it too.
func (s *Service) PublishBroadcast(ctx context.Context, roomID string, frame []byte, exceptUserID string) error {
	return s.publish(ctx, Envelope{
		RoomID:       roomID,
		Frame:        frame,
		ExceptUserID: exceptUserID,
	})
}

// PublishTarget mirrors a targeted relay. Only the instance hosting the
// target member delivers it.
func (s *Service) PublishTarget(ctx context.Context, roomID, targetUserID string, frame []byte) error {
	return s.publish(ctx, Envelope{
		RoomID:       roomID,
		Frame:        frame,
		TargetUserID: targetUserID,
	})
}

func (s *Service) publish(ctx context.Context, env Envelope) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	env.Origin = s.instanceID

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, roomChannel(env.RoomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: dropping publish", "roomID", env.RoomID)
			return nil // Graceful degradation: drop mirror, local delivery already happened
		}
		slog.Error("Redis publish failed", "roomID", env.RoomID, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that delivers envelopes published
// by OTHER instances for the given room. Echoes of this instance's own
// publishes are filtered out before the handler runs. The goroutine exits
// when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	channel := roomChannel(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return // Room closed, stop listening
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("Failed to unmarshal bus envelope", "error", err, "raw", msg.Payload)
					continue
				}

				if env.Origin == s.instanceID {
					continue // Our own publish coming back around
				}

				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity. Used by the health surface.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set. Used for cross-instance presence.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("Redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("Redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis circuit breaker open: returning empty set members", "key", key)
			return nil, nil // Room can still function on local state
		}
		slog.Error("Redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
