package worker

import (
	"context"
	"strings"
	"time"

	"github.com/google/logger"

	"raffle/internal/config"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/payment"
	"raffle/internal/services"
	"raffle/internal/store"
)

// Reconciler sweeps payments that never finished settling and audits the
// sold counters. It never credits tickets itself.
type Reconciler struct {
	store     *store.Store
	verifier  payment.Verifier
	ledger    *services.Ledger
	drawer    Drawer
	grace     time.Duration
	batchSize int
	now       func() time.Time
}

// NewReconciler creates a Reconciler from the reconciler config.
func NewReconciler(st *store.Store, v payment.Verifier, l *services.Ledger, d Drawer, cfg config.ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		store:     st,
		verifier:  v,
		ledger:    l,
		drawer:    d,
		grace:     cfg.PendingGrace,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if r.grace <= 0 {
		r.grace = 30 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// ReconcileSummary counts what one sweep did.
type ReconcileSummary struct {
	Failed    int
	Cancelled int
	Stuck     int
	Skipped   int
	Errors    int
}

// ReconcilePayments re-queries every open payment older than the grace
// period. Unpaid ones are closed; paid ones are flagged once with a
// payment_stuck event for manual review.
func (r *Reconciler) ReconcilePayments(ctx context.Context) ReconcileSummary {
	var sum ReconcileSummary
	stale, err := store.ListStalePayments(ctx, r.store.DB(), r.now().Add(-r.grace), r.batchSize)
	if err != nil {
		logger.Warningf("[Reconcile] list stale payments failed: %v", err)
		metrics.RecordReconcile("error")
		sum.Errors++
		return sum
	}

	for i := range stale {
		p := &stale[i]
		action, err := r.reconcile(ctx, p)
		if err != nil {
			logger.Warningf("[Reconcile] payment=%s err=%v", p.PaymentID, err)
			action = "error"
		}
		metrics.RecordReconcile(action)
		switch action {
		case "failed":
			sum.Failed++
		case "cancelled":
			sum.Cancelled++
		case "stuck":
			sum.Stuck++
		case "skipped":
			sum.Skipped++
		default:
			sum.Errors++
		}
	}
	if len(stale) > 0 {
		logger.Infof("[Reconcile] swept %d payments: failed=%d cancelled=%d stuck=%d skipped=%d errors=%d",
			len(stale), sum.Failed, sum.Cancelled, sum.Stuck, sum.Skipped, sum.Errors)
	}
	return sum
}

func (r *Reconciler) reconcile(ctx context.Context, p *models.PaymentRecord) (string, error) {
	st, err := r.verifier.GetStatus(ctx, p.PaymentID)
	if err != nil {
		return "", err
	}
	if !st.Verified {
		switch strings.ToLower(st.State) {
		case "cancelled", "canceled", "expired", "refunded":
			if _, err := r.ledger.MarkCancelled(ctx, r.store.DB(), p.PaymentID, "processor reports "+st.State); err != nil {
				return "", err
			}
			return "cancelled", nil
		}
		if _, err := r.ledger.MarkFailed(ctx, r.store.DB(), p.PaymentID, "unpaid after "+r.grace.String()); err != nil {
			return "", err
		}
		return "failed", nil
	}

	flagged, err := store.OutboxExists(ctx, r.store.DB(), models.TopicPaymentStuck, p.PaymentID)
	if err != nil {
		return "", err
	}
	if flagged {
		return "skipped", nil
	}
	err = store.CreateOutbox(ctx, r.store.DB(), models.TopicPaymentStuck, p.PaymentID, models.StuckEvent{
		PaymentID:       p.PaymentID,
		CompetitionSlug: p.CompetitionSlug,
		Buyer:           p.Buyer,
		Amount:          st.Amount,
		Status:          p.Status,
		TxID:            st.TxID,
		At:              r.now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	logger.Warningf("[Reconcile] paid but unsettled: payment=%s competition=%s status=%s",
		p.PaymentID, p.CompetitionSlug, p.Status)
	return "stuck", nil
}

// AuditInventory reports competitions whose sold counter disagrees with
// their ticket entries.
func (r *Reconciler) AuditInventory(ctx context.Context) ([]store.InventoryMismatch, error) {
	bad, err := store.AuditInventory(ctx, r.store.DB())
	if err != nil {
		logger.Warningf("[Reconcile] inventory audit failed: %v", err)
		return nil, err
	}
	metrics.SetInventoryMismatch(len(bad))
	for _, m := range bad {
		logger.Errorf("[Reconcile] inventory mismatch: competition=%s sold=%d entries=%d rows=%d",
			m.Slug, m.Sold, m.EntrySum, m.EntryRows)
	}
	return bad, nil
}

// DrawClosed runs the draw for every competition that is ready for one.
func (r *Reconciler) DrawClosed(ctx context.Context) int {
	if r.drawer == nil {
		return 0
	}
	slugs, err := store.ListDrawable(ctx, r.store.DB(), r.now(), r.batchSize)
	if err != nil {
		logger.Warningf("[Reconcile] list drawable failed: %v", err)
		return 0
	}
	drawn := 0
	for _, slug := range slugs {
		res, err := r.drawer.DrawWinners(ctx, slug)
		if err != nil {
			logger.Warningf("[Reconcile] draw failed: competition=%s err=%v", slug, err)
			continue
		}
		if !res.AlreadyDrawn {
			drawn++
		}
	}
	return drawn
}
