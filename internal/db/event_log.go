package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLog is a persisted streaming event row. Scope is the stream key the
// event was published under, "agent:<id>" or "graph:<id>".
type EventLog struct {
	ID        uuid.UUID  `json:"id"`
	Scope     string     `json:"scope"`
	Type      string     `json:"type"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	GraphID   *uuid.UUID `json:"graph_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	Payload   JSONB      `json:"payload,omitempty"`
	Seq       uint64     `json:"seq,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	CreatedAt time.Time  `json:"created_at"`
}

// SaveEventLog inserts a new event_logs row. Re-published sequenced events
// are deduplicated on (scope, type, seq).
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, scope, type, agent_id, graph_id, message, payload, seq, timestamp, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (scope, type, seq) WHERE seq > 0 DO NOTHING
    `, e.ID, e.Scope, e.Type, e.AgentID, e.GraphID, e.Message, e.Payload, e.Seq, e.Timestamp, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save event log: %w", err)
	}
	return nil
}

// ListEventLogs returns events for a scope in publish order, for replay.
func (c *Client) ListEventLogs(ctx context.Context, scope string, since time.Time, limit int) ([]*EventLog, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := c.db.QueryContext(ctx, `
        SELECT id, scope, type, agent_id, graph_id, message, payload, seq, timestamp, created_at
        FROM event_logs
        WHERE scope = $1 AND timestamp > $2
        ORDER BY timestamp ASC, seq ASC
        LIMIT $3
    `, scope, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	defer rows.Close()

	var events []*EventLog
	for rows.Next() {
		var e EventLog
		if err := rows.Scan(
			&e.ID, &e.Scope, &e.Type, &e.AgentID, &e.GraphID,
			&e.Message, &e.Payload, &e.Seq, &e.Timestamp, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// PruneEventLogs deletes events older than the cutoff, bounded per sweep.
func (c *Client) PruneEventLogs(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := c.db.ExecContext(ctx, `
        DELETE FROM event_logs
        WHERE id IN (
            SELECT id FROM event_logs WHERE created_at < $1 LIMIT $2
        )
    `, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event logs: %w", err)
	}
	return res.RowsAffected()
}
