package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matchpay/payout-engine/pipeline"
)

// =============================================================================
// OUTBOX (outbox.Store)
// =============================================================================

func insertOutbox(ctx context.Context, db execer, msg *pipeline.OutboxMessage) error {
	if msg == nil {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (id, type, key, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.Type, msg.Key, string(msg.Payload), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// PendingMessages returns unsent messages in commit order.
func (s *Store) PendingMessages(ctx context.Context, limit int) ([]pipeline.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, key, payload, created_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, pipeline.Storage("pending messages", err)
	}
	defer rows.Close()

	var msgs []pipeline.OutboxMessage
	for rows.Next() {
		var (
			m         pipeline.OutboxMessage
			payload   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Key, &payload, &createdAt); err != nil {
			return nil, pipeline.Storage("pending messages", err)
		}
		m.Payload = []byte(payload)
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, storageErr("pending messages", rows.Err())
}

// MarkSent records that messages were published.
func (s *Store) MarkSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "mark sent", func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE outbox SET sent_at = ?, attempts = attempts + 1, last_error = NULL
				WHERE id = ? AND sent_at IS NULL
			`, formatTime(at), id)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkFailed records a failed publish attempt. The message stays pending.
func (s *Store) MarkFailed(ctx context.Context, ids []string, cause error) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.withTx(ctx, "mark failed", func(tx *sql.Tx) error {
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE outbox SET attempts = attempts + 1, last_error = ?
				WHERE id = ? AND sent_at IS NULL
			`, nullString(msg), id)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// OutboxAttempts returns the attempt count and last error of a message.
func (s *Store) OutboxAttempts(ctx context.Context, id string) (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		attempts int
		lastErr  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT attempts, last_error FROM outbox WHERE id = ?", id).Scan(&attempts, &lastErr)
	if err != nil {
		return 0, "", storageErr("outbox attempts", err)
	}
	return attempts, lastErr.String, nil
}
