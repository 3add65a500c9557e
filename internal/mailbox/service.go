// Package mailbox is the durable inter-agent message queue. Rows live in the
// messages table; claims use skip-locked reads so concurrent receivers never
// double-deliver, and delivery is at-least-once across crashes.
package mailbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/streaming"
)

var (
	// ErrUnknownAgent means the sender or recipient does not exist.
	ErrUnknownAgent = errors.New("unknown agent")
)

const (
	defaultReceiveLimit = 10
	maxReceiveLimit     = 100
)

// Service provides send, claim, and acknowledgment over the messages table.
type Service struct {
	client *db.Client
	events *streaming.Manager
	logger *zap.Logger
}

// NewService creates a mailbox service
func NewService(client *db.Client, logger *zap.Logger) *Service {
	return &Service{
		client: client,
		logger: logger,
	}
}

// SetEvents attaches the streaming hub for queue events.
func (s *Service) SetEvents(m *streaming.Manager) {
	s.events = m
}

// Send enqueues one message as pending. Foreign key violations surface as
// ErrUnknownAgent so callers can distinguish bad addressing from store faults.
func (s *Service) Send(ctx context.Context, senderID, recipientID uuid.UUID, payload db.JSONB, priority int) (*db.Message, error) {
	if payload == nil {
		payload = db.JSONB{}
	}

	msg := &db.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Payload:     payload,
		Priority:    priority,
		Status:      db.MessageStatusPending,
	}

	row, err := s.client.Wrapper().QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, payload, priority)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Payload, msg.Priority,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if err := row.Scan(&msg.CreatedAt); err != nil {
		if db.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: sender %s or recipient %s", ErrUnknownAgent, senderID, recipientID)
		}
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debug("Message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("sender_id", senderID.String()),
		zap.String("recipient_id", recipientID.String()),
		zap.Int("priority", priority),
	)
	metrics.MessagesSent.Inc()
	s.events.Publish(streaming.AgentScope(recipientID), streaming.Event{
		Type:    streaming.TypeMessageQueued,
		AgentID: recipientID.String(),
		Payload: map[string]interface{}{
			"message_id": msg.ID.String(),
			"sender_id":  senderID.String(),
			"priority":   priority,
		},
	})
	return msg, nil
}

// Broadcast fans one payload out to every recipient in a single transaction,
// so either all copies enqueue or none do. Returns the new message ids in
// recipient order.
func (s *Service) Broadcast(ctx context.Context, senderID uuid.UUID, recipientIDs []uuid.UUID, payload db.JSONB, priority int) ([]uuid.UUID, error) {
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	if payload == nil {
		payload = db.JSONB{}
	}

	ids := make([]uuid.UUID, 0, len(recipientIDs))
	err := s.client.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, recipientID := range recipientIDs {
			id := uuid.New()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, sender_id, recipient_id, payload, priority)
				VALUES ($1, $2, $3, $4, $5)`,
				id, senderID, recipientID, payload, priority,
			)
			if err != nil {
				if db.IsForeignKeyViolation(err) {
					return fmt.Errorf("%w: recipient %s", ErrUnknownAgent, recipientID)
				}
				return fmt.Errorf("failed to broadcast to %s: %w", recipientID, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Broadcast enqueued",
		zap.String("sender_id", senderID.String()),
		zap.Int("recipients", len(recipientIDs)),
		zap.Int("priority", priority),
	)
	metrics.MessagesSent.Add(float64(len(ids)))
	for i, recipientID := range recipientIDs {
		s.events.Publish(streaming.AgentScope(recipientID), streaming.Event{
			Type:    streaming.TypeMessageQueued,
			AgentID: recipientID.String(),
			Payload: map[string]interface{}{
				"message_id": ids[i].String(),
				"sender_id":  senderID.String(),
				"priority":   priority,
			},
		})
	}
	return ids, nil
}

// Receive claims up to limit pending messages for the agent, highest priority
// first and FIFO within a priority, flipping them to delivered in the same
// statement. Rows locked by a concurrent receiver are skipped, not waited on.
func (s *Service) Receive(ctx context.Context, agentID uuid.UUID, limit int) ([]*db.Message, error) {
	if limit <= 0 {
		limit = defaultReceiveLimit
	}
	if limit > maxReceiveLimit {
		limit = maxReceiveLimit
	}

	rows, err := s.client.Wrapper().QueryContext(ctx, `
		WITH next AS (
			SELECT id FROM messages
			WHERE recipient_id = $1 AND status = 'pending'
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE messages m
			SET status = 'delivered', delivered_at = now()
			FROM next
			WHERE m.id = next.id
			RETURNING m.id, m.sender_id, m.recipient_id, m.payload, m.priority,
			          m.status, m.created_at, m.delivered_at, m.processed_at
		)
		SELECT id, sender_id, recipient_id, payload, priority,
		       status, created_at, delivered_at, processed_at
		FROM claimed
		ORDER BY priority DESC, created_at ASC, id ASC`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		metrics.MessagesDelivered.Add(float64(len(msgs)))
		s.logger.Debug("Messages claimed",
			zap.String("recipient_id", agentID.String()),
			zap.Int("count", len(msgs)),
		)
	}
	return msgs, nil
}

// MarkProcessed acknowledges delivered messages for the agent. Ids not in
// delivered state for this recipient are ignored; returns the count actually
// acknowledged.
func (s *Service) MarkProcessed(ctx context.Context, agentID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.client.Wrapper().ExecContext(ctx, `
		UPDATE messages
		SET status = 'processed', processed_at = now()
		WHERE recipient_id = $1 AND status = 'delivered' AND id = ANY($2)`,
		agentID, pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages processed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		metrics.MessagesProcessed.Add(float64(affected))
	}
	return affected, nil
}

// Redeliver returns the agent's delivered-but-unacknowledged messages, in
// claim order. Receivers call this on restart; processing must be idempotent
// since the crash may have landed after the work but before the ack.
func (s *Service) Redeliver(ctx context.Context, agentID uuid.UUID) ([]*db.Message, error) {
	rows, err := s.client.Wrapper().QueryContext(ctx, `
		SELECT id, sender_id, recipient_id, payload, priority,
		       status, created_at, delivered_at, processed_at
		FROM messages
		WHERE recipient_id = $1 AND status = 'delivered'
		ORDER BY priority DESC, created_at ASC, id ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivered messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// PendingCount returns the number of pending messages addressed to the agent.
func (s *Service) PendingCount(ctx context.Context, agentID uuid.UUID) (int, error) {
	row, err := s.client.Wrapper().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND status = 'pending'`,
		agentID,
	)
	if err != nil {
		return 0, err
	}
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*db.Message, error) {
	var msgs []*db.Message
	for rows.Next() {
		var m db.Message
		err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Payload, &m.Priority,
			&m.Status, &m.CreatedAt, &m.DeliveredAt, &m.ProcessedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
