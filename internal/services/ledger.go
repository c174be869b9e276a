package services

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/models"
	"raffle/internal/store"
)

// Ledger is the idempotent record of external payments, keyed by payment id.
type Ledger struct {
	store *store.Store
}

// NewLedger creates a Ledger over the payments table.
func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st}
}

// Get loads a payment record.
func (l *Ledger) Get(ctx context.Context, paymentID string) (*models.PaymentRecord, error) {
	p, err := store.GetPayment(ctx, l.store.DB(), paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "payment %s not found", paymentID)
	}
	return p, classify(err, "get payment")
}

// RecordPending creates the pending row for a payment. If a row already
// exists it is returned unchanged with created=false; callers compare terms.
func (l *Ledger) RecordPending(ctx context.Context, p models.PaymentRecord) (*models.PaymentRecord, bool, error) {
	if p.PaymentID == "" {
		return nil, false, apperr.New(apperr.KindValidation, "paymentId is required")
	}
	created, err := store.InsertPayment(ctx, l.store.DB(), &p)
	if err != nil {
		return nil, false, classify(err, "record pending payment")
	}
	if created {
		return &p, true, nil
	}
	existing, err := l.Get(ctx, p.PaymentID)
	return existing, false, err
}

// MarkApproved records that the processor verified and confirmed the payment.
// Approving a record that already moved on is a no-op.
func (l *Ledger) MarkApproved(ctx context.Context, paymentID, txid string) error {
	_, err := store.ApprovePayment(ctx, l.store.DB(), paymentID, txid)
	return classify(err, "approve payment")
}

// TryComplete flips the payment to completed with range r inside tx. If the
// payment was already completed it returns the stored record with
// applied=false and the caller must roll back. A payment closed as failed or
// cancelled is not_eligible.
func (l *Ledger) TryComplete(ctx context.Context, tx *sqlx.Tx, paymentID, txid string, r models.TicketRange) (bool, *models.PaymentRecord, error) {
	applied, err := store.CompletePayment(ctx, tx, paymentID, txid, r)
	if err != nil {
		return false, nil, err
	}
	rec, err := store.GetPayment(ctx, tx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, apperr.New(apperr.KindNotFound, "payment %s not found", paymentID)
	}
	if err != nil {
		return false, nil, err
	}
	if applied {
		return true, rec, nil
	}
	if rec.Status == models.PaymentCompleted {
		return false, rec, nil
	}
	return false, rec, apperr.New(apperr.KindNotEligible, "payment %s is %s", paymentID, rec.Status)
}

// MarkFailed closes an open payment as failed.
func (l *Ledger) MarkFailed(ctx context.Context, exec sqlx.ExtContext, paymentID, reason string) (bool, error) {
	ok, err := store.ClosePayment(ctx, exec, paymentID, models.PaymentFailed, reason)
	return ok, classify(err, "fail payment")
}

// MarkCancelled closes an open payment as cancelled.
func (l *Ledger) MarkCancelled(ctx context.Context, exec sqlx.ExtContext, paymentID, reason string) (bool, error) {
	ok, err := store.ClosePayment(ctx, exec, paymentID, models.PaymentCancelled, reason)
	return ok, classify(err, "cancel payment")
}
