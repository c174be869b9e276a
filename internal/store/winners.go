package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/models"
)

// InsertWinners writes the winner rows of one draw. Must run in the same
// transaction that won MarkDrawn.
func InsertWinners(ctx context.Context, tx *sqlx.Tx, winners []models.WinnerRecord) error {
	now := time.Now().UnixMilli()
	sqlStr := `INSERT INTO winners (competition_slug, position, owner, ticket_number, created_at) VALUES (?, ?, ?, ?, ?)`
	for i := range winners {
		w := &winners[i]
		w.CreatedAt = now
		if _, err := tx.ExecContext(ctx, sqlStr, w.CompetitionSlug, w.Position, w.Owner, w.TicketNumber, now); err != nil {
			if IsDuplicateKey(err) {
				return ErrDuplicate
			}
			return errors.WithStack(err)
		}
	}
	return nil
}

// ListWinners returns the winners of a competition by position.
func ListWinners(ctx context.Context, exec sqlx.ExtContext, slug string) ([]models.WinnerRecord, error) {
	sqlStr := `SELECT competition_slug, position, owner, ticket_number, created_at
		FROM winners WHERE competition_slug = ? ORDER BY position ASC`
	var list []models.WinnerRecord
	if err := sqlx.SelectContext(ctx, exec, &list, sqlStr, slug); err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}
