package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
)

// HealthHandler serves liveness and readiness probes for the gateway.
type HealthHandler struct {
	client *db.Client
	redis  *redis.Client
	logger *zap.Logger
}

// NewHealthHandler creates the health handler. redis may be nil when no
// Redis is configured; readiness then checks the database only.
func NewHealthHandler(client *db.Client, rdb *redis.Client, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		client: client,
		redis:  rdb,
		logger: logger,
	}
}

// HealthResponse is the probe payload.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Time    time.Time         `json:"time"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. It only reports that the process is up.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: "0.1.0",
		Time:    time.Now(),
		Checks:  map[string]string{"gateway": "ok"},
	})
}

// Readiness handles GET /readiness. The gateway is ready when its backing
// stores answer within two seconds.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ready",
		Version: "0.1.0",
		Time:    time.Now(),
		Checks:  make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.client.GetDB().PingContext(ctx); err != nil {
		h.logger.Warn("Database readiness check failed", zap.Error(err))
		response.Status = "not ready"
		response.Checks["database"] = "failed"
		sendJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	response.Checks["database"] = "ok"

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			h.logger.Warn("Redis readiness check failed", zap.Error(err))
			response.Status = "not ready"
			response.Checks["redis"] = "failed"
			sendJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		response.Checks["redis"] = "ok"
	}

	sendJSON(w, http.StatusOK, response)
}
