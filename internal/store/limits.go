package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// GetUserLimit returns the per-user cap override. ok is false when the user
// has none.
func GetUserLimit(ctx context.Context, exec sqlx.ExtContext, owner string) (limit int64, ok bool, err error) {
	err = sqlx.GetContext(ctx, exec, &limit, `SELECT max_tickets FROM user_limits WHERE owner = ?`, owner)
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, errors.WithStack(err)
	}
	return limit, true, nil
}

// SetUserLimit creates or replaces a per-user cap. Written as update-then-insert
// so the same statement set works on both drivers.
func SetUserLimit(ctx context.Context, exec sqlx.ExtContext, owner string, maxTickets int64) error {
	now := time.Now().UnixMilli()
	res, err := exec.ExecContext(ctx, `UPDATE user_limits SET max_tickets = ?, updated_at = ? WHERE owner = ?`,
		maxTickets, now, owner)
	if err != nil {
		return errors.WithStack(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO user_limits (owner, max_tickets, updated_at) VALUES (?, ?, ?)`,
		owner, maxTickets, now)
	if IsDuplicateKey(err) {
		// Concurrent writer or an unchanged MySQL row; the row exists either way.
		_, err = exec.ExecContext(ctx, `UPDATE user_limits SET max_tickets = ?, updated_at = ? WHERE owner = ?`,
			maxTickets, now, owner)
	}
	return errors.WithStack(err)
}
