// Package bus implements the optional cross-shard pub/sub boundary used
// when the quiz service runs as more than one process: a broadcast from
// one shard's Room needs to reach members connected to a different shard.
// Single-shard deployments run with a nil BusService and this package is
// never touched.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// wireMessage is the JSON shape moved across Redis channels.
type wireMessage struct {
	RoomID   types.RoomIDType `json:"room_id"`
	Event    string           `json:"event"`
	Payload  json.RawMessage  `json:"payload"`
	SenderID types.UserIDType `json:"sender_id"`
}

// RedisBus is the Redis-backed implementation of types.BusService.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisBus opens a connection and verifies it with a PING before
// returning, so a misconfigured address fails at startup rather than on
// the first publish.
func NewRedisBus(addr, password string) (*RedisBus, error) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
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

	logging.Info(context.Background(), "connected to redis pub/sub", zap.String("addr", addr))
	return &RedisBus{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func roomChannel(roomID types.RoomIDType) string {
	return fmt.Sprintf("quizroom:room:%s", roomID)
}

// Publish broadcasts a message to every other shard watching roomID. A
// nil receiver is treated as single-shard mode: calls are no-ops.
func (b *RedisBus) Publish(ctx context.Context, roomID types.RoomIDType, event string, payload any, senderID types.UserIDType) error {
	if b == nil || b.client == nil {
		return nil
	}

	_, err := b.cb.Execute(func() (any, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		msg := wireMessage{RoomID: roomID, Event: event, Payload: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, b.client.Publish(ctx, roomChannel(roomID), data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit open, dropping publish", zap.String("room_id", string(roomID)))
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "success").Inc()
	return nil
}

// Subscribe starts a background listener for roomID that invokes handler
// for every message published by another shard, until ctx is cancelled. A
// nil receiver is a no-op (single-shard mode).
func (b *RedisBus) Subscribe(ctx context.Context, roomID types.RoomIDType, handler func(types.PubSubMessage)) {
	if b == nil || b.client == nil {
		return
	}

	pubsub := b.client.Subscribe(ctx, roomChannel(roomID))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireMessage
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message", zap.Error(err))
					continue
				}
				handler(types.PubSubMessage{
					RoomID:   wire.RoomID,
					Event:    wire.Event,
					Payload:  wire.Payload,
					SenderID: wire.SenderID,
				})
			}
		}
	}()
}

// SetAdd adds member to the Redis set at key, used to track which rooms
// are resident on this shard so other shards (or an admin endpoint) can
// see cross-shard occupancy.
func (b *RedisBus) SetAdd(ctx context.Context, key, member string) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SetRem removes member from the Redis set at key.
func (b *RedisBus) SetRem(ctx context.Context, key, member string) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SetMembers lists every member of the Redis set at key.
func (b *RedisBus) SetMembers(ctx context.Context, key string) ([]string, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	res, err := b.cb.Execute(func() (any, error) {
		return b.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return res.([]string), nil
}

// Ping verifies Redis connectivity, used by the readiness health check.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close releases the underlying Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
