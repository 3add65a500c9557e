package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/mailbox"
)

// MessageHandler serves the inter-agent messaging endpoints.
type MessageHandler struct {
	mailbox *mailbox.Service
	logger  *zap.Logger
}

// NewMessageHandler creates the message handler.
func NewMessageHandler(mb *mailbox.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{mailbox: mb, logger: logger}
}

// SendMessageRequest enqueues one message.
type SendMessageRequest struct {
	SenderID    uuid.UUID              `json:"sender_id"`
	RecipientID uuid.UUID              `json:"recipient_id"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    int                    `json:"priority"`
}

// BroadcastRequest fans one payload out to several recipients atomically.
type BroadcastRequest struct {
	SenderID     uuid.UUID              `json:"sender_id"`
	RecipientIDs []uuid.UUID            `json:"recipient_ids"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     int                    `json:"priority"`
}

// ReceiveRequest claims pending messages for an agent.
type ReceiveRequest struct {
	Limit int `json:"limit"`
}

// MarkProcessedRequest acknowledges delivered messages.
type MarkProcessedRequest struct {
	AgentID    uuid.UUID   `json:"agent_id"`
	MessageIDs []uuid.UUID `json:"message_ids"`
}

// Send handles POST /api/v1/messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == uuid.Nil || req.RecipientID == uuid.Nil {
		sendError(w, http.StatusBadRequest, "sender_id and recipient_id are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msg, err := h.mailbox.Send(ctx, req.SenderID, req.RecipientID, db.JSONB(req.Payload), req.Priority)
	if err != nil {
		h.logger.Warn("Send rejected",
			zap.String("sender_id", req.SenderID.String()),
			zap.String("recipient_id", req.RecipientID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, messageToView(msg))
}

// Broadcast handles POST /api/v1/messages/broadcast.
func (h *MessageHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == uuid.Nil {
		sendError(w, http.StatusBadRequest, "sender_id is required")
		return
	}
	if len(req.RecipientIDs) == 0 {
		sendError(w, http.StatusBadRequest, "recipient_ids is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ids, err := h.mailbox.Broadcast(ctx, req.SenderID, req.RecipientIDs, db.JSONB(req.Payload), req.Priority)
	if err != nil {
		h.logger.Warn("Broadcast rejected",
			zap.String("sender_id", req.SenderID.String()),
			zap.Int("recipients", len(req.RecipientIDs)),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sendJSON(w, http.StatusCreated, map[string]interface{}{
		"message_ids": out,
		"count":       len(out),
	})
}

// Receive handles POST /api/v1/agents/{id}/messages/receive. Claimed
// messages flip to delivered and will not be handed to a concurrent
// receiver; the caller must acknowledge them once processed.
func (h *MessageHandler) Receive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	req := ReceiveRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msgs, err := h.mailbox.Receive(ctx, id, req.Limit)
	if err != nil {
		h.logger.Error("Receive failed",
			zap.String("agent_id", id.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageToView(m))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"messages": views,
		"count":    len(views),
	})
}

// MarkProcessed handles POST /api/v1/messages/processed. Ids not delivered
// to the given agent are ignored, so retrying an ack is harmless.
func (h *MessageHandler) MarkProcessed(w http.ResponseWriter, r *http.Request) {
	var req MarkProcessedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == uuid.Nil {
		sendError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if len(req.MessageIDs) == 0 {
		sendError(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	processed, err := h.mailbox.MarkProcessed(ctx, req.AgentID, req.MessageIDs)
	if err != nil {
		h.logger.Error("Acknowledgment failed",
			zap.String("agent_id", req.AgentID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"processed": processed,
	})
}
