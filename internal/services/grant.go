package services

import (
	"context"
	"strings"

	"github.com/google/logger"
	"github.com/jmoiron/sqlx"

	"raffle/internal/apperr"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/store"
)

// IssueRequest grants tickets without a payment.
type IssueRequest struct {
	CompetitionSlug string            `json:"-"`
	Owner           string            `json:"owner"`
	Quantity        int64             `json:"quantity"`
	Provenance      models.Provenance `json:"provenance"`
}

// GrantService issues gift, voucher and prize tickets through the same
// reservation authority as purchases. Grants count towards the owner's cap
// for later purchases but are not themselves capped.
type GrantService struct {
	inventory *InventoryService
	opts      Options
	tx        txRunner
}

// NewGrantService creates a new GrantService.
func NewGrantService(st *store.Store, opts Options) *GrantService {
	opts = opts.withDefaults()
	return &GrantService{
		inventory: NewInventoryService(st, opts),
		opts:      opts,
		tx:        txRunner{store: st, timeout: opts.TxTimeout, retries: opts.TxRetries},
	}
}

// IssueTickets credits a non-purchase entry.
func (s *GrantService) IssueTickets(ctx context.Context, req IssueRequest) (*models.TicketEntry, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	switch {
	case req.Owner == "":
		return nil, apperr.New(apperr.KindValidation, "owner is required")
	case !req.Provenance.Valid() || req.Provenance == models.ProvenancePurchase:
		return nil, apperr.New(apperr.KindValidation, "provenance must be gift, voucher or prize")
	case req.Quantity < 1 || req.Quantity > s.opts.MaxTicketsPerTx:
		return nil, apperr.New(apperr.KindValidation, "quantity %d outside [1, %d]", req.Quantity, s.opts.MaxTicketsPerTx)
	}

	var entry *models.TicketEntry
	err := s.tx.run(ctx, "issue", func(ctx context.Context, tx *sqlx.Tx) error {
		r, err := s.inventory.ReserveTx(ctx, tx, req.CompetitionSlug, req.Quantity)
		if err != nil {
			return err
		}
		entry = &models.TicketEntry{
			CompetitionSlug: req.CompetitionSlug,
			Owner:           req.Owner,
			Quantity:        req.Quantity,
			RangeStart:      r.Start,
			RangeEnd:        r.End,
			Provenance:      req.Provenance,
		}
		if err := store.InsertTicketEntry(ctx, tx, entry); err != nil {
			return err
		}
		soldOut, err := store.CompleteIfSoldOut(ctx, tx, req.CompetitionSlug)
		if err != nil {
			return err
		}
		return enqueueSettled(ctx, tx, entry, 0, soldOut)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTickets(string(req.Provenance), req.Quantity)
	logger.Infof("[Issue] granted: competition=%s owner=%s provenance=%s tickets=%s",
		entry.CompetitionSlug, entry.Owner, entry.Provenance, entry.TicketRange())
	return entry, nil
}
