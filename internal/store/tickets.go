package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/models"
)

const ticketColumns = `id, competition_slug, owner, quantity, range_start, range_end, provenance,
	COALESCE(payment_id, '') AS payment_id, created_at`

// InsertTicketEntry appends an immutable ticket entry. The id is generated
// when empty. Purchase entries carry their payment id, which is unique.
func InsertTicketEntry(ctx context.Context, exec sqlx.ExtContext, e *models.TicketEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UnixMilli()

	var paymentID any
	if e.PaymentID != "" {
		paymentID = e.PaymentID
	}
	sqlStr := `INSERT INTO ticket_entries (id, competition_slug, owner, quantity, range_start, range_end, provenance, payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := exec.ExecContext(ctx, sqlStr, e.ID, e.CompetitionSlug, e.Owner, e.Quantity, e.RangeStart, e.RangeEnd,
		string(e.Provenance), paymentID, e.CreatedAt)
	if IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.WithStack(err)
}

// SumOwnerQuantity returns how many tickets owner already holds in a
// competition. Inside a MySQL transaction it is a locking read, so it sees the
// latest committed entries rather than the transaction's snapshot.
func SumOwnerQuantity(ctx context.Context, exec sqlx.ExtContext, slug, owner string) (int64, error) {
	sqlStr := `SELECT COALESCE(SUM(quantity), 0) FROM ticket_entries WHERE competition_slug = ? AND owner = ?` + lockClause(exec)
	var sum int64
	if err := sqlx.GetContext(ctx, exec, &sum, sqlStr, slug, owner); err != nil {
		return 0, errors.WithStack(err)
	}
	return sum, nil
}

// ListTicketEntries returns every entry of a competition ordered by range.
func ListTicketEntries(ctx context.Context, exec sqlx.ExtContext, slug string) ([]models.TicketEntry, error) {
	sqlStr := `SELECT ` + ticketColumns + ` FROM ticket_entries WHERE competition_slug = ? ORDER BY range_start ASC`
	var list []models.TicketEntry
	if err := sqlx.SelectContext(ctx, exec, &list, sqlStr, slug); err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

// ListOwnerEntries returns an owner's entries in a competition.
func ListOwnerEntries(ctx context.Context, exec sqlx.ExtContext, slug, owner string) ([]models.TicketEntry, error) {
	sqlStr := `SELECT ` + ticketColumns + ` FROM ticket_entries
		WHERE competition_slug = ? AND owner = ? ORDER BY range_start ASC`
	var list []models.TicketEntry
	if err := sqlx.SelectContext(ctx, exec, &list, sqlStr, slug, owner); err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}
