package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/policy"
)

const defaultMaxBodyBytes = 1 << 20 // 1MB

// WebhookHandler receives tracker events on the admin mux.
type WebhookHandler struct {
	service *Service
	token   string
	maxBody int64
	logger  *zap.Logger
}

// NewWebhookHandler creates the inbound webhook handler. An empty token
// disables the bearer check.
func NewWebhookHandler(service *Service, token string, maxBody int64, logger *zap.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &WebhookHandler{
		service: service,
		token:   token,
		maxBody: maxBody,
		logger:  logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/tracker", h.handleEvent)
}

func (h *WebhookHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.token != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.token {
			metrics.TrackerEventsReceived.WithLabelValues("unauthorized").Inc()
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		metrics.TrackerEventsReceived.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		metrics.TrackerEventsReceived.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if evt.Type == "" {
		metrics.TrackerEventsReceived.WithLabelValues("invalid").Inc()
		writeJSONError(w, http.StatusBadRequest, "type is required")
		return
	}

	agent, matched, err := h.service.HandleEvent(r.Context(), evt)
	if err != nil {
		if errors.Is(err, policy.ErrSpawnDenied) {
			metrics.TrackerEventsReceived.WithLabelValues("denied").Inc()
			writeJSONError(w, http.StatusForbidden, err.Error())
			return
		}
		metrics.TrackerEventsReceived.WithLabelValues("failed").Inc()
		h.logger.Error("Tracker event spawn failed",
			zap.String("event_type", evt.Type),
			zap.String("issue_id", evt.IssueID),
			zap.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "spawn failed")
		return
	}
	if !matched {
		metrics.TrackerEventsReceived.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "spawned",
		"agent_id": agent.ID.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
