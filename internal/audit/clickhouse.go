package audit

import (
	"context"
	"fmt"
	"time"

	"wace-auth/internal/models"
)

const (
	chCreateTable = `CREATE TABLE IF NOT EXISTS security_events (
	id String,
	event_type LowCardinality(String),
	user_id String,
	email String,
	ip_address String,
	session_id String,
	details String,
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (event_type, occurred_at)
TTL toDateTime(occurred_at) + INTERVAL 180 DAY`

	chInsert = `INSERT INTO security_events (id, event_type, user_id, email, ip_address, session_id, details, occurred_at)`
)

// BatchConn is satisfied by *client.ClickHouseClient.
type BatchConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, rows [][]any) error
}

type ClickHouse struct {
	conn BatchConn
	now  func() time.Time
}

func NewClickHouse(conn BatchConn) *ClickHouse {
	return &ClickHouse{conn: conn, now: time.Now}
}

// EnsureSchema creates the security_events table if it is missing.
func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, chCreateTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (c *ClickHouse) Record(ctx context.Context, event models.SecurityEvent) error {
	return c.RecordBatch(ctx, []models.SecurityEvent{event})
}

// RecordBatch inserts events in a single batch.
func (c *ClickHouse) RecordBatch(ctx context.Context, events []models.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := c.now()
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		e = normalize(e, now)
		rows = append(rows, []any{
			e.ID,
			string(e.Type),
			e.UserID,
			e.Email,
			e.IPAddress,
			e.SessionID,
			e.Details,
			e.OccurredAt,
		})
	}
	if err := c.conn.BatchInsert(ctx, chInsert, rows); err != nil {
		return fmt.Errorf("failed to insert security events: %w", err)
	}
	return nil
}
