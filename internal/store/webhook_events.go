package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordWebhookEvent stores a processed webhook delivery. It reports false
// when the same (source, eventID) was already recorded.
func RecordWebhookEvent(ctx context.Context, db *sql.DB, source, eventID, eventType string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_events (source, event_id, event_type, received_at) VALUES (?, ?, ?, ?)`,
		source, eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("recording webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording webhook event: %w", err)
	}
	return n == 1, nil
}

// HasWebhookEvent reports whether a delivery was already processed.
func HasWebhookEvent(ctx context.Context, db *sql.DB, source, eventID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE source = ? AND event_id = ?)`, source, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking webhook event: %w", err)
	}
	return exists, nil
}
