// Package ratelimit throttles REST calls and WebSocket connection attempts,
// keyed by client IP. The store is Redis when available so limits hold
// across instances, memory otherwise.
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

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
)

// RateLimiter holds the per-surface limiter instances.
type RateLimiter struct {
	api *limiter.Limiter
	ws  *limiter.Limiter
}

// New builds the limiters from formatted rates ("300-M"). A nil redisClient
// falls back to an in-process store.
func New(apiRate, wsRate string, redisClient *redis.Client) (*RateLimiter, error) {
	api, err := limiter.NewRateFromFormatted(apiRate)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}
	ws, err := limiter.NewRateFromFormatted(wsRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-process store, limits are per instance")
	}

	return &RateLimiter{
		api: limiter.New(store, api),
		ws:  limiter.New(store, ws),
	}, nil
}

// APIMiddleware throttles REST endpoints by client IP.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		res, err := rl.api.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: a broken limiter store must not take the API down.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if res.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": res.Reset,
			})
			return
		}
		c.Next()
	}
}

// CheckWebSocket gates a connection attempt before the upgrade. Writes the
// error response itself when the limit is reached.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	res, err := rl.ws.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true // fail open
	}

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}
