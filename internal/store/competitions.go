package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/models"
)

const competitionColumns = `slug, title, capacity, sold, unit_price, window_start, window_end,
	status, winners_count, max_per_user, drawn, created_at, updated_at`

// InsertCompetition stores a new competition. Returns ErrDuplicate if the
// slug is taken.
func InsertCompetition(ctx context.Context, exec sqlx.ExtContext, c *models.Competition) error {
	now := time.Now().UnixMilli()
	c.CreatedAt, c.UpdatedAt = now, now

	sqlStr := `INSERT INTO competitions (` + competitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := exec.ExecContext(ctx, sqlStr, c.Slug, c.Title, c.Capacity, c.Sold, c.UnitPrice,
		c.WindowStart, c.WindowEnd, string(c.Status), c.WinnersCount, c.MaxPerUser, c.Drawn, c.CreatedAt, c.UpdatedAt)
	if IsDuplicateKey(err) {
		return ErrDuplicate
	}
	return errors.WithStack(err)
}

// GetCompetition loads a competition by slug.
func GetCompetition(ctx context.Context, exec sqlx.ExtContext, slug string) (*models.Competition, error) {
	sqlStr := `SELECT ` + competitionColumns + ` FROM competitions WHERE slug = ?`
	var c models.Competition
	if err := sqlx.GetContext(ctx, exec, &c, sqlStr, slug); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// LockCompetition loads a competition inside tx and holds its row lock until
// the transaction ends, serializing every writer of that competition's sold
// counter and ticket entries behind it.
func LockCompetition(ctx context.Context, tx *sqlx.Tx, slug string) (*models.Competition, error) {
	sqlStr := `SELECT ` + competitionColumns + ` FROM competitions WHERE slug = ?` + lockClause(tx)
	var c models.Competition
	if err := tx.GetContext(ctx, &c, sqlStr, slug); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ReserveTickets advances sold by qty in a single conditional update and
// returns the allocated range [prior+1, prior+qty]. The update only matches an
// active competition whose resulting sold stays within capacity; otherwise
// ErrNoCapacity is returned and nothing changes. It takes a transaction so the
// follow-up read observes this transaction's own increment.
func ReserveTickets(ctx context.Context, tx *sqlx.Tx, slug string, qty int64) (models.TicketRange, error) {
	now := time.Now().UnixMilli()
	sqlStr := `UPDATE competitions SET sold = sold + ?, updated_at = ?
		WHERE slug = ? AND status = ? AND sold + ? <= capacity`
	res, err := tx.ExecContext(ctx, sqlStr, qty, now, slug, string(models.CompetitionActive), qty)
	if err != nil {
		return models.TicketRange{}, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return models.TicketRange{}, err
	}
	if n == 0 {
		return models.TicketRange{}, ErrNoCapacity
	}

	var sold int64
	if err := tx.GetContext(ctx, &sold, `SELECT sold FROM competitions WHERE slug = ?`, slug); err != nil {
		return models.TicketRange{}, notFound(err)
	}
	return models.TicketRange{Start: sold - qty + 1, End: sold}, nil
}

// CompleteIfSoldOut flips an active competition to completed when
// sold == capacity. Reports whether the flip happened.
func CompleteIfSoldOut(ctx context.Context, exec sqlx.ExtContext, slug string) (bool, error) {
	now := time.Now().UnixMilli()
	sqlStr := `UPDATE competitions SET status = ?, updated_at = ?
		WHERE slug = ? AND status = ? AND sold = capacity`
	res, err := exec.ExecContext(ctx, sqlStr, string(models.CompetitionCompleted), now, slug, string(models.CompetitionActive))
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// TransitionCompetition moves a competition from one status to another.
// Reports false if the competition was not in the from status.
func TransitionCompetition(ctx context.Context, exec sqlx.ExtContext, slug string, from, to models.CompetitionStatus) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, errors.Errorf("invalid transition %s -> %s", from, to)
	}
	now := time.Now().UnixMilli()
	res, err := exec.ExecContext(ctx, `UPDATE competitions SET status = ?, updated_at = ? WHERE slug = ? AND status = ?`,
		string(to), now, slug, string(from))
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// MarkDrawn is the single-writer gate of the draw engine: it sets drawn=1 and
// status=completed only if the competition has not been drawn yet and is
// either completed or active past its window end. Reports whether this call
// won the gate.
func MarkDrawn(ctx context.Context, exec sqlx.ExtContext, slug string, now time.Time) (bool, error) {
	ms := now.UnixMilli()
	sqlStr := `UPDATE competitions SET drawn = 1, status = ?, updated_at = ?
		WHERE slug = ? AND drawn = 0
		AND (status = ? OR (status = ? AND window_end < ?))`
	res, err := exec.ExecContext(ctx, sqlStr, string(models.CompetitionCompleted), ms, slug,
		string(models.CompetitionCompleted), string(models.CompetitionActive), ms)
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// InventoryMismatch is a competition whose sold counter disagrees with the
// sum of its ticket entries.
type InventoryMismatch struct {
	Slug      string `db:"slug"`
	Sold      int64  `db:"sold"`
	EntrySum  int64  `db:"entry_sum"`
	EntryRows int64  `db:"entry_rows"`
}

// AuditInventory returns every competition violating sold == sum(entries).
func AuditInventory(ctx context.Context, exec sqlx.ExtContext) ([]InventoryMismatch, error) {
	sqlStr := `SELECT c.slug AS slug, c.sold AS sold,
			COALESCE(SUM(t.quantity), 0) AS entry_sum, COUNT(t.id) AS entry_rows
		FROM competitions c LEFT JOIN ticket_entries t ON t.competition_slug = c.slug
		GROUP BY c.slug, c.sold
		HAVING c.sold <> COALESCE(SUM(t.quantity), 0)`
	var out []InventoryMismatch
	if err := sqlx.SelectContext(ctx, exec, &out, sqlStr); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

// ListDrawable returns undrawn competitions that are completed or whose
// active window ended before now.
func ListDrawable(ctx context.Context, exec sqlx.ExtContext, now time.Time, limit int) ([]string, error) {
	sqlStr := `SELECT slug FROM competitions
		WHERE drawn = 0 AND (status = ? OR (status = ? AND window_end < ?))
		ORDER BY window_end ASC LIMIT ?`
	var slugs []string
	err := sqlx.SelectContext(ctx, exec, &slugs, sqlStr, string(models.CompetitionCompleted),
		string(models.CompetitionActive), now.UnixMilli(), limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return slugs, nil
}
