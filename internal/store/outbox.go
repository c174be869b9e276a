package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Outbox row status.
const (
	OutboxPending = 1
	OutboxSent    = 2
	OutboxFailed  = 3
)

// OutboxRow is the projection the dispatcher scans.
type OutboxRow struct {
	ID         string `db:"id"`
	Topic      string `db:"topic"`
	BizKey     string `db:"biz_key"`
	Payload    string `db:"payload"`
	RetryCount int    `db:"retry_count"`
	CreatedAt  int64  `db:"created_at"`
}

// CreateOutbox marshals payload and enqueues it. Call it with the transaction
// whose effects the event describes.
func CreateOutbox(ctx context.Context, exec sqlx.ExtContext, topic, bizKey string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal outbox payload")
	}
	now := time.Now().UnixMilli()
	sqlStr := `INSERT INTO outbox (id, topic, biz_key, payload, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)`
	_, err = exec.ExecContext(ctx, sqlStr, uuid.NewString(), topic, bizKey, string(b), OutboxPending, now, now)
	return errors.WithStack(err)
}

// ListOutboxPending returns pending rows below the retry ceiling, oldest first.
func ListOutboxPending(ctx context.Context, exec sqlx.ExtContext, limit, maxRetries int) ([]OutboxRow, error) {
	sqlStr := `SELECT id, topic, biz_key, payload, retry_count, created_at FROM outbox
		WHERE status = ? AND retry_count < ? ORDER BY created_at ASC, id ASC LIMIT ?`
	var list []OutboxRow
	if err := sqlx.SelectContext(ctx, exec, &list, sqlStr, OutboxPending, maxRetries, limit); err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

// MarkOutboxSent marks a row delivered.
func MarkOutboxSent(ctx context.Context, exec sqlx.ExtContext, id string) error {
	_, err := exec.ExecContext(ctx, `UPDATE outbox SET status = ?, updated_at = ? WHERE id = ?`,
		OutboxSent, time.Now().UnixMilli(), id)
	return errors.WithStack(err)
}

// MarkOutboxFailed records a delivery failure. The row stays pending until its
// retry count reaches maxRetries, then it is parked as failed.
func MarkOutboxFailed(ctx context.Context, exec sqlx.ExtContext, id, lastError string, maxRetries int) error {
	if len(lastError) > 240 {
		lastError = lastError[:240]
	}
	sqlStr := `UPDATE outbox SET status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
			last_error = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`
	_, err := exec.ExecContext(ctx, sqlStr, maxRetries, OutboxFailed, OutboxPending, lastError, time.Now().UnixMilli(), id)
	return errors.WithStack(err)
}

// CountOutbox returns the number of rows in a status, optionally filtered by
// topic.
func CountOutbox(ctx context.Context, exec sqlx.ExtContext, status int, topic string) (int64, error) {
	sqlStr := `SELECT COUNT(*) FROM outbox WHERE status = ?`
	args := []any{status}
	if topic != "" {
		sqlStr += ` AND topic = ?`
		args = append(args, topic)
	}
	var n int64
	if err := sqlx.GetContext(ctx, exec, &n, sqlStr, args...); err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

// OutboxExists reports whether an event for bizKey was ever enqueued on topic.
func OutboxExists(ctx context.Context, exec sqlx.ExtContext, topic, bizKey string) (bool, error) {
	var n int64
	err := sqlx.GetContext(ctx, exec, &n, `SELECT COUNT(*) FROM outbox WHERE topic = ? AND biz_key = ?`, topic, bizKey)
	return n > 0, errors.WithStack(err)
}
