package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/models"
)

const paymentColumns = `payment_id, status, claimed_amount, competition_slug, buyer, txid, quantity,
	range_start, range_end, fail_reason, created_at, updated_at, completed_at`

// InsertPayment creates a pending ledger row. Reports false without error if
// a row for the payment id already exists.
func InsertPayment(ctx context.Context, exec sqlx.ExtContext, p *models.PaymentRecord) (bool, error) {
	now := time.Now().UnixMilli()
	p.Status = models.PaymentPending
	p.CreatedAt, p.UpdatedAt = now, now

	sqlStr := `INSERT INTO payments (payment_id, status, claimed_amount, competition_slug, buyer, txid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := exec.ExecContext(ctx, sqlStr, p.PaymentID, string(p.Status), p.ClaimedAmount, p.CompetitionSlug,
		p.Buyer, p.TxID, now, now)
	if IsDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// GetPayment loads a ledger row by payment id.
func GetPayment(ctx context.Context, exec sqlx.ExtContext, paymentID string) (*models.PaymentRecord, error) {
	sqlStr := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = ?`
	var p models.PaymentRecord
	if err := sqlx.GetContext(ctx, exec, &p, sqlStr, paymentID); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// ApprovePayment moves pending -> approved and records the processor txid.
func ApprovePayment(ctx context.Context, exec sqlx.ExtContext, paymentID, txid string) (bool, error) {
	now := time.Now().UnixMilli()
	sqlStr := `UPDATE payments SET status = ?, txid = ?, updated_at = ? WHERE payment_id = ? AND status = ?`
	res, err := exec.ExecContext(ctx, sqlStr, string(models.PaymentApproved), txid, now, paymentID, string(models.PaymentPending))
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// CompletePayment is the ledger's completion gate: it writes the assigned
// range and flips the row to completed only while it is still pending or
// approved. A false result means another settlement already completed (or a
// reconciler closed) the payment.
func CompletePayment(ctx context.Context, exec sqlx.ExtContext, paymentID, txid string, r models.TicketRange) (bool, error) {
	now := time.Now().UnixMilli()
	sqlStr := `UPDATE payments SET status = ?, txid = ?, quantity = ?, range_start = ?, range_end = ?,
			completed_at = ?, updated_at = ?
		WHERE payment_id = ? AND status IN (?, ?)`
	res, err := exec.ExecContext(ctx, sqlStr, string(models.PaymentCompleted), txid, r.Size(), r.Start, r.End,
		now, now, paymentID, string(models.PaymentPending), string(models.PaymentApproved))
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// ClosePayment moves an open payment to a terminal failed or cancelled state.
func ClosePayment(ctx context.Context, exec sqlx.ExtContext, paymentID string, status models.PaymentStatus, reason string) (bool, error) {
	if status != models.PaymentFailed && status != models.PaymentCancelled {
		return false, errors.Errorf("close payment: invalid status %s", status)
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}
	now := time.Now().UnixMilli()
	sqlStr := `UPDATE payments SET status = ?, fail_reason = ?, updated_at = ? WHERE payment_id = ? AND status IN (?, ?)`
	res, err := exec.ExecContext(ctx, sqlStr, string(status), reason, now, paymentID,
		string(models.PaymentPending), string(models.PaymentApproved))
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := rowsAffected(res)
	return n > 0, err
}

// ListStalePayments returns open payments last touched before the cutoff,
// oldest first.
func ListStalePayments(ctx context.Context, exec sqlx.ExtContext, before time.Time, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sqlStr := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`
	var list []models.PaymentRecord
	err := sqlx.SelectContext(ctx, exec, &list, sqlStr, string(models.PaymentPending), string(models.PaymentApproved),
		before.UnixMilli(), limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}
