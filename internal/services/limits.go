package services

import (
	"context"

	"github.com/jmoiron/sqlx"

	"raffle/internal/apperr"
	"raffle/internal/models"
	"raffle/internal/store"
)

// LimitGuard enforces per-user, per-competition ticket caps against the
// settled ticket entries. The cap resolves as competition override, then the
// user's override, then the global default; 0 at the end of that chain means
// no cap.
type LimitGuard struct {
	defaultLimit int64
}

// NewLimitGuard creates a LimitGuard with defaultLimit as the fallback cap.
func NewLimitGuard(defaultLimit int64) *LimitGuard {
	return &LimitGuard{defaultLimit: defaultLimit}
}

// EffectiveCap returns the cap that applies to owner in c, 0 for unlimited.
func (g *LimitGuard) EffectiveCap(ctx context.Context, exec sqlx.ExtContext, c *models.Competition, owner string) (int64, error) {
	if c.MaxPerUser > 0 {
		return c.MaxPerUser, nil
	}
	limit, ok, err := store.GetUserLimit(ctx, exec, owner)
	if err != nil {
		return 0, err
	}
	if ok && limit > 0 {
		return limit, nil
	}
	return g.defaultLimit, nil
}

// CheckLimit returns nil when owner may take qty more tickets in c, or a
// limit_exceeded error. It reads through exec on every call so a caller
// holding a transaction sees its own writes.
func (g *LimitGuard) CheckLimit(ctx context.Context, exec sqlx.ExtContext, c *models.Competition, owner string, qty int64) error {
	limit, err := g.EffectiveCap(ctx, exec, c, owner)
	if err != nil {
		return err
	}
	if limit == 0 {
		return nil
	}
	held, err := store.SumOwnerQuantity(ctx, exec, c.Slug, owner)
	if err != nil {
		return err
	}
	if held+qty > limit {
		return apperr.New(apperr.KindLimitExceeded,
			"%s holds %d of %d tickets in %s, cannot add %d", owner, held, limit, c.Slug, qty)
	}
	return nil
}
