// Package bus carries signaling events between instances over Redis
// pub/sub. Each bound user gets a channel; events for users connected to a
// different instance travel through it, and events for users with no live
// socket anywhere park in a per-user offline list until the next attach.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

const (
	userChannelPrefix = "sig:user:"
	offlinePrefix     = "offline:"
	offlineTTL        = 7 * 24 * time.Hour
	offlineMaxItems   = 100
)

// Envelope is the cross-instance container for a single event.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderSID types.SID       `json:"senderSid,omitempty"` // prevents echo back to the origin socket
}

// Service is the Redis-backed bus. A nil Service is valid and means
// single-instance mode: publishes no-op and offline items are dropped.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService connects to Redis and verifies the connection.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(context.Background(), "connected to event bus", zap.String("addr", addr))
	return NewServiceWithClient(rdb), nil
}

// NewServiceWithClient wraps an existing client; used by tests with miniredis.
func NewServiceWithClient(rdb *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "bus",
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
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

// Client exposes the underlying connection for health checks.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

func userChannel(uid types.UserID) string {
	return userChannelPrefix + string(uid)
}

func offlineKey(uid types.UserID) string {
	return offlinePrefix + string(uid)
}

// Publish sends an event to every instance holding a socket for uid.
// senderSID lets receivers skip the socket the event originated from.
func (s *Service) Publish(ctx context.Context, uid types.UserID, event string, payload any, senderSID types.SID) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		data, err := json.Marshal(Envelope{Event: event, Payload: inner, SenderSID: senderSID})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, userChannel(uid), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			logging.Warn(ctx, "bus circuit open, dropping publish", zap.String("userId", string(uid)))
			return nil // degrade to local-only delivery, never crash the caller
		}
		logging.Error(ctx, "bus publish failed", zap.String("userId", string(uid)), zap.Error(err))
		return err
	}
	return nil
}

// QueueOffline parks an event for a user with no live socket. The list is
// capped and expires so abandoned accounts don't accumulate state.
func (s *Service) QueueOffline(ctx context.Context, uid types.UserID, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(Envelope{Event: event, Payload: inner})
		if err != nil {
			return nil, err
		}
		key := offlineKey(uid)
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -offlineMaxItems, -1)
		pipe.Expire(ctx, key, offlineTTL)
		_, err = pipe.Exec(ctx)
		return nil, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			return nil
		}
		logging.Error(ctx, "bus offline queue failed", zap.String("userId", string(uid)), zap.Error(err))
		return err
	}
	return nil
}

// DrainOffline atomically takes and clears the parked events for uid.
// Called when a socket binds, so queued items deliver exactly once.
func (s *Service) DrainOffline(ctx context.Context, uid types.UserID) ([]Envelope, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		key := offlineKey(uid)
		pipe := s.client.TxPipeline()
		lrange := pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		return lrange.Val(), nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			return nil, nil
		}
		return nil, err
	}

	raw := res.([]string)
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			logging.Warn(ctx, "dropping corrupt offline item", zap.String("userId", string(uid)), zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Subscribe listens on the user channel until ctx is cancelled. The handler
// runs on the subscription goroutine; keep it fast.
func (s *Service) Subscribe(ctx context.Context, uid types.UserID, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	channel := userChannel(uid)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "bus subscription closed", zap.String("channel", channel))
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(context.Background(), "failed to unmarshal bus message", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping verifies connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
	}
	return err
}

func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
