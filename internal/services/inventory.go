package services

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/store"
)

// InventoryService is the only writer of a competition's sold counter. Every
// allocation is one conditional UPDATE in the store; nothing here holds
// counter state in memory.
type InventoryService struct {
	tx txRunner
}

// NewInventoryService creates a new InventoryService.
func NewInventoryService(st *store.Store, opts Options) *InventoryService {
	opts = opts.withDefaults()
	return &InventoryService{tx: txRunner{store: st, timeout: opts.TxTimeout, retries: opts.TxRetries}}
}

// Reserve allocates qty tickets in its own transaction.
func (s *InventoryService) Reserve(ctx context.Context, slug string, qty int64) (models.TicketRange, error) {
	var r models.TicketRange
	err := s.tx.run(ctx, "reserve", func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		r, err = s.ReserveTx(ctx, tx, slug, qty)
		return err
	})
	return r, err
}

// ReserveTx allocates [sold+1, sold+qty] inside tx. On rejection it reads the
// competition to report why: not_found, not_eligible for a competition that is
// not active, capacity_exceeded otherwise.
func (s *InventoryService) ReserveTx(ctx context.Context, tx *sqlx.Tx, slug string, qty int64) (models.TicketRange, error) {
	if qty < 1 {
		return models.TicketRange{}, apperr.New(apperr.KindValidation, "quantity must be at least 1")
	}
	r, err := store.ReserveTickets(ctx, tx, slug, qty)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrNoCapacity) {
		return models.TicketRange{}, err
	}

	c, err := store.GetCompetition(ctx, tx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return models.TicketRange{}, apperr.New(apperr.KindNotFound, "competition %s not found", slug)
	}
	if err != nil {
		return models.TicketRange{}, err
	}
	if c.Status != models.CompetitionActive {
		return models.TicketRange{}, apperr.New(apperr.KindNotEligible, "competition %s is %s", slug, c.Status)
	}
	metrics.RecordReserveRejected()
	return models.TicketRange{}, apperr.New(apperr.KindCapacityExceeded,
		"competition %s has %d tickets left, %d requested", slug, c.Remaining(), qty)
}
