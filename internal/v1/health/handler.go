// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maxkolt/livi-app-sub003/internal/v1/bus"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
)

// StorageModer reports which backend the queue store is currently on.
// Implemented by store.Failover.
type StorageModer interface {
	Mode() string
}

// UserStoreChecker verifies the user/profile database connection.
type UserStoreChecker interface {
	Health(ctx context.Context) error
}

// Handler serves the health endpoints.
type Handler struct {
	bus     *bus.Service
	storage StorageModer
	users   UserStoreChecker
}

func NewHandler(b *bus.Service, storage StorageModer, users UserStoreChecker) *Handler {
	return &Handler{bus: b, storage: storage, users: users}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every
// critical dependency is reachable, 503 otherwise. A queue store that has
// failed over to memory still counts as ready: degraded, not broken.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	checks["bus"] = h.checkBus(ctx)
	if checks["bus"] != "healthy" {
		allHealthy = false
	}

	if h.storage != nil {
		checks["storage"] = h.storage.Mode()
	}

	checks["database"] = h.checkUserStore(ctx)
	if checks["database"] != "healthy" {
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

// Health handles GET /health, the compact legacy probe.
func (h *Handler) Health(c *gin.Context) {
	body := gin.H{"ok": true}
	if h.storage != nil {
		body["storage"] = h.storage.Mode()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) checkBus(ctx context.Context) string {
	// Single-instance mode has no bus to check.
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkUserStore(ctx context.Context) string {
	if h.users == nil {
		return "healthy"
	}
	if err := h.users.Health(ctx); err != nil {
		logging.Error(ctx, "database health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
