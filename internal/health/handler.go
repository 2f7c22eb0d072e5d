package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizroom/backend/internal/logging"
	"go.uber.org/zap"
)

// DBPinger is satisfied by repository.Postgres; kept narrow so this
// package never imports database/sql directly.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// BusPinger is satisfied by bus.RedisBus.
type BusPinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	db  DBPinger
	bus BusPinger // nil in single-shard mode; treated as always-healthy
}

// NewHandler creates a new health check handler. bus may be nil.
func NewHandler(db DBPinger, bus BusPinger) *Handler {
	return &Handler{db: db, bus: bus}
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

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only if every critical
// dependency answers within the deadline; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	dbStatus := h.checkDB(ctx)
	checks["postgres"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	if h.bus != nil {
		busStatus := h.checkBus(ctx)
		checks["redis"] = busStatus
		if busStatus != "healthy" {
			allHealthy = false
		}
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

func (h *Handler) checkDB(ctx context.Context) string {
	if h.db == nil {
		return "healthy"
	}
	if err := h.db.Ping(ctx); err != nil {
		logging.Error(ctx, "postgres health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBus(ctx context.Context) string {
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
