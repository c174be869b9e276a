package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/cache"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/payment"
	"raffle/internal/store"
)

// SettleRequest is one "credit tickets for payment X" call. ClaimedAmount is
// in minor units.
type SettleRequest struct {
	PaymentID       string `json:"paymentId"`
	TxID            string `json:"txid"`
	CompetitionSlug string `json:"competitionSlug"`
	ClaimedAmount   int64  `json:"claimedAmount"`
	Buyer           string `json:"buyerIdentity"`
}

// SettleResult is returned for both fresh and replayed settlements. Ticket
// numbers never change between the two.
type SettleResult struct {
	PaymentID         string                   `json:"paymentId"`
	CompetitionSlug   string                   `json:"competitionSlug"`
	Buyer             string                   `json:"buyerIdentity"`
	ClaimedAmount     int64                    `json:"claimedAmount"`
	Tickets           models.TicketRange       `json:"ticketNumbers"`
	Quantity          int64                    `json:"quantity"`
	CompetitionStatus models.CompetitionStatus `json:"competitionStatus"`
	Replayed          bool                     `json:"replayed"`
}

func (r *SettleResult) sameRequest(req SettleRequest) bool {
	return r.CompetitionSlug == req.CompetitionSlug && r.Buyer == req.Buyer && r.ClaimedAmount == req.ClaimedAmount
}

// errReplay aborts the settlement transaction when the ledger gate reports
// the payment already completed.
var errReplay = apperr.New(apperr.KindAlreadyProcessed, "payment already completed")

// SettlementService turns a verified external payment into a ticket entry
// exactly once.
type SettlementService struct {
	store     *store.Store
	cache     *cache.Cache
	verifier  payment.Verifier
	ledger    *Ledger
	inventory *InventoryService
	limits    *LimitGuard
	opts      Options
	tx        txRunner
	now       func() time.Time
}

// NewSettlementService wires the orchestrator. c may be nil to run without
// Redis.
func NewSettlementService(st *store.Store, c *cache.Cache, v payment.Verifier, opts Options) *SettlementService {
	opts = opts.withDefaults()
	return &SettlementService{
		store:     st,
		cache:     c,
		verifier:  v,
		ledger:    NewLedger(st),
		inventory: NewInventoryService(st, opts),
		limits:    NewLimitGuard(opts.DefaultUserLimit),
		opts:      opts,
		tx:        txRunner{store: st, timeout: opts.TxTimeout, retries: opts.TxRetries},
		now:       time.Now,
	}
}

// Ledger exposes the payment ledger for recording pending payments at
// initiation time.
func (s *SettlementService) Ledger() *Ledger { return s.ledger }

// Settle credits tickets for a verified payment. Repeating a call with the
// same payment id and terms returns the original ticket numbers with
// Replayed=true and changes nothing.
func (s *SettlementService) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	start := time.Now()
	res, err := s.settle(ctx, req)

	label := "success"
	switch {
	case err != nil:
		label = string(apperr.KindOf(err))
		logger.Warningf("[Settle] rejected: payment=%s competition=%s buyer=%s amount=%d err=%v",
			req.PaymentID, req.CompetitionSlug, req.Buyer, req.ClaimedAmount, err)
	case res.Replayed:
		label = "replay"
	}
	metrics.RecordSettle(label, start)
	return res, err
}

func (s *SettlementService) settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.CompetitionSlug = strings.TrimSpace(req.CompetitionSlug)
	req.Buyer = strings.TrimSpace(req.Buyer)
	req.TxID = strings.TrimSpace(req.TxID)
	if err := validateSettle(req); err != nil {
		return nil, err
	}

	// Fast path: a cached result for the same terms is a replay.
	if res, ok := s.cachedResult(ctx, req); ok {
		return res, nil
	}
	release, locked, err := s.cache.Lock(ctx, cache.SettleLockKey(req.PaymentID))
	if err != nil {
		logger.Warningf("[Settle] lock unavailable, continuing on the ledger: payment=%s err=%v", req.PaymentID, err)
	} else if !locked {
		if res, ok := s.cachedResult(ctx, req); ok {
			return res, nil
		}
		return nil, apperr.New(apperr.KindInFlight, "payment %s is being settled", req.PaymentID)
	}
	defer release()

	// 1. Idempotency short-circuit on the ledger.
	rec, err := store.GetPayment(ctx, s.store.DB(), req.PaymentID)
	switch {
	case err == nil:
		if !rec.SameRequest(req.CompetitionSlug, req.Buyer, req.ClaimedAmount) {
			return nil, apperr.New(apperr.KindValidation, "payment %s was recorded with different terms", req.PaymentID)
		}
		switch rec.Status {
		case models.PaymentCompleted:
			return s.replay(ctx, rec)
		case models.PaymentFailed, models.PaymentCancelled:
			return nil, apperr.New(apperr.KindNotEligible, "payment %s is %s: %s", req.PaymentID, rec.Status, rec.FailReason)
		}
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	default:
		return nil, classify(err, "load payment")
	}

	// 2. Competition must be active and inside its window.
	comp, err := s.loadCompetition(ctx, req.CompetitionSlug)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if comp.Status != models.CompetitionActive || !comp.InWindow(now) {
		return nil, apperr.New(apperr.KindNotEligible, "competition %s is not open for sale", comp.Slug)
	}

	// 3. Exact integer quantity.
	qty, err := s.quantity(comp, req.ClaimedAmount)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		if _, _, err := s.ledger.RecordPending(ctx, models.PaymentRecord{
			PaymentID:       req.PaymentID,
			ClaimedAmount:   req.ClaimedAmount,
			CompetitionSlug: req.CompetitionSlug,
			Buyer:           req.Buyer,
			TxID:            req.TxID,
		}); err != nil {
			return nil, err
		}
	}

	// 4. External verification, outside any transaction.
	txid, err := s.verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.verifier.Confirm(ctx, req.PaymentID, txid); err != nil {
		return nil, verifierErr(err, "confirm payment")
	}
	if err := s.ledger.MarkApproved(ctx, req.PaymentID, txid); err != nil {
		return nil, err
	}

	// 5-8. Limit guard, reservation and ledger completion in one transaction.
	res, err := s.commit(ctx, req, txid, qty)
	switch {
	case err == nil:
	case apperr.KindOf(err) == apperr.KindAlreadyProcessed:
		rec, gerr := s.ledger.Get(ctx, req.PaymentID)
		if gerr != nil {
			return nil, gerr
		}
		return s.replay(ctx, rec)
	case isRefundable(err):
		s.reject(ctx, req, txid, err)
		return nil, err
	default:
		return nil, err
	}

	// 9. Post-commit work is best effort.
	if err := s.cache.SetJSON(ctx, cache.SettleResultKey(req.PaymentID), res); err != nil {
		logger.Warningf("[Settle] cache result failed: payment=%s err=%v", req.PaymentID, err)
	}
	metrics.RecordTickets(string(models.ProvenancePurchase), res.Quantity)
	logger.Infof("[Settle] credited: payment=%s competition=%s buyer=%s tickets=%s status=%s",
		res.PaymentID, res.CompetitionSlug, res.Buyer, res.Tickets, res.CompetitionStatus)
	return res, nil
}

func validateSettle(req SettleRequest) error {
	switch {
	case req.PaymentID == "":
		return apperr.New(apperr.KindValidation, "paymentId is required")
	case req.CompetitionSlug == "":
		return apperr.New(apperr.KindValidation, "competitionSlug is required")
	case req.Buyer == "":
		return apperr.New(apperr.KindValidation, "buyerIdentity is required")
	case req.ClaimedAmount <= 0:
		return apperr.New(apperr.KindValidation, "claimedAmount must be positive")
	}
	return nil
}

// quantity derives the ticket count by exact integer division.
func (s *SettlementService) quantity(c *models.Competition, amount int64) (int64, error) {
	if c.UnitPrice <= 0 {
		return 0, apperr.New(apperr.KindValidation, "competition %s has no unit price", c.Slug)
	}
	if amount%c.UnitPrice != 0 {
		return 0, apperr.New(apperr.KindValidation, "amount %d is not a multiple of unit price %d", amount, c.UnitPrice)
	}
	qty := amount / c.UnitPrice
	if qty < 1 || qty > s.opts.MaxTicketsPerTx {
		return 0, apperr.New(apperr.KindValidation, "quantity %d outside [1, %d]", qty, s.opts.MaxTicketsPerTx)
	}
	return qty, nil
}

// verify requires an explicit verified=true for the claimed amount and
// returns the txid to record.
func (s *SettlementService) verify(ctx context.Context, req SettleRequest) (string, error) {
	st, err := s.verifier.GetStatus(ctx, req.PaymentID)
	if err != nil {
		return "", verifierErr(err, "verify payment")
	}
	if !st.Verified {
		return "", apperr.New(apperr.KindVerificationFailed, "payment %s not verified (state %q)", req.PaymentID, st.State)
	}
	if st.Amount <= 0 {
		return "", apperr.New(apperr.KindVerificationFailed, "processor reported no amount for payment %s", req.PaymentID)
	}
	if st.Amount != req.ClaimedAmount {
		return "", apperr.New(apperr.KindValidation, "claimed amount %s does not match verified amount %s",
			payment.FormatMinorUnits(req.ClaimedAmount, payment.MinorUnitScale), payment.FormatMinorUnits(st.Amount, payment.MinorUnitScale))
	}
	switch {
	case st.TxID == "":
		return req.TxID, nil
	case req.TxID != "" && req.TxID != st.TxID:
		return "", apperr.New(apperr.KindValidation, "txid %s does not match processor txid %s", req.TxID, st.TxID)
	}
	return st.TxID, nil
}

func (s *SettlementService) commit(ctx context.Context, req SettleRequest, txid string, qty int64) (*SettleResult, error) {
	var res *SettleResult
	err := s.tx.run(ctx, "settle", func(ctx context.Context, tx *sqlx.Tx) error {
		comp, err := store.LockCompetition(ctx, tx, req.CompetitionSlug)
		if err != nil {
			return err
		}
		if comp.Status != models.CompetitionActive || !comp.InWindow(s.now()) {
			return apperr.New(apperr.KindNotEligible, "competition %s closed during settlement", comp.Slug)
		}
		if err := s.limits.CheckLimit(ctx, tx, comp, req.Buyer, qty); err != nil {
			return err
		}
		r, err := s.inventory.ReserveTx(ctx, tx, req.CompetitionSlug, qty)
		if err != nil {
			return err
		}
		applied, _, err := s.ledger.TryComplete(ctx, tx, req.PaymentID, txid, r)
		if err != nil {
			return err
		}
		if !applied {
			return errReplay
		}

		entry := &models.TicketEntry{
			CompetitionSlug: req.CompetitionSlug,
			Owner:           req.Buyer,
			Quantity:        qty,
			RangeStart:      r.Start,
			RangeEnd:        r.End,
			Provenance:      models.ProvenancePurchase,
			PaymentID:       req.PaymentID,
		}
		if err := store.InsertTicketEntry(ctx, tx, entry); err != nil {
			return err
		}
		soldOut, err := store.CompleteIfSoldOut(ctx, tx, req.CompetitionSlug)
		if err != nil {
			return err
		}

		status := models.CompetitionActive
		if soldOut {
			status = models.CompetitionCompleted
		}
		if err := enqueueSettled(ctx, tx, entry, req.ClaimedAmount, soldOut); err != nil {
			return err
		}
		res = &SettleResult{
			PaymentID:         req.PaymentID,
			CompetitionSlug:   req.CompetitionSlug,
			Buyer:             req.Buyer,
			ClaimedAmount:     req.ClaimedAmount,
			Tickets:           r,
			Quantity:          qty,
			CompetitionStatus: status,
		}
		return nil
	})
	return res, err
}

// enqueueSettled writes the side-effect events of a credited entry.
func enqueueSettled(ctx context.Context, tx *sqlx.Tx, e *models.TicketEntry, amount int64, soldOut bool) error {
	topic, key := models.TopicTicketsSettled, e.PaymentID
	if e.Provenance != models.ProvenancePurchase {
		topic, key = models.TopicTicketsIssued, e.ID
	}
	ev := models.SettledEvent{
		PaymentID:       e.PaymentID,
		CompetitionSlug: e.CompetitionSlug,
		Owner:           e.Owner,
		Quantity:        e.Quantity,
		Tickets:         e.TicketRange(),
		Provenance:      e.Provenance,
		Amount:          amount,
		SoldOut:         soldOut,
		At:              time.Now().UnixMilli(),
	}
	if err := store.CreateOutbox(ctx, tx, topic, key, ev); err != nil {
		return err
	}
	if soldOut {
		return store.CreateOutbox(ctx, tx, models.TopicSoldOut, e.CompetitionSlug, ev)
	}
	return nil
}

// isRefundable reports failures after the processor confirmed the payment
// that leave the buyer paid but uncredited.
func isRefundable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindLimitExceeded, apperr.KindCapacityExceeded, apperr.KindNotEligible:
		return true
	}
	return false
}

// reject closes a confirmed payment as failed and enqueues a refund request
// in one transaction.
func (s *SettlementService) reject(ctx context.Context, req SettleRequest, txid string, cause error) {
	reason := string(apperr.KindOf(cause))
	err := s.tx.run(ctx, "reject", func(ctx context.Context, tx *sqlx.Tx) error {
		closed, err := s.ledger.MarkFailed(ctx, tx, req.PaymentID, reason+": "+cause.Error())
		if err != nil || !closed {
			return err
		}
		return store.CreateOutbox(ctx, tx, models.TopicRefundRequired, req.PaymentID, models.RefundEvent{
			PaymentID:       req.PaymentID,
			CompetitionSlug: req.CompetitionSlug,
			Buyer:           req.Buyer,
			Amount:          req.ClaimedAmount,
			TxID:            txid,
			Reason:          reason,
			At:              time.Now().UnixMilli(),
		})
	})
	if err != nil {
		logger.Errorf("[Settle] refund bookkeeping failed: payment=%s cause=%v err=%v", req.PaymentID, cause, err)
		return
	}
	logger.Warningf("[Settle] refund required: payment=%s reason=%s", req.PaymentID, reason)
}

func (s *SettlementService) replay(ctx context.Context, rec *models.PaymentRecord) (*SettleResult, error) {
	res := &SettleResult{
		PaymentID:       rec.PaymentID,
		CompetitionSlug: rec.CompetitionSlug,
		Buyer:           rec.Buyer,
		ClaimedAmount:   rec.ClaimedAmount,
		Tickets:         rec.TicketRange(),
		Quantity:        rec.Quantity,
		Replayed:        true,
	}
	if comp, err := store.GetCompetition(ctx, s.store.DB(), rec.CompetitionSlug); err == nil {
		res.CompetitionStatus = comp.Status
	}
	if err := s.cache.SetJSON(ctx, cache.SettleResultKey(rec.PaymentID), res); err != nil {
		logger.Warningf("[Settle] cache replay failed: payment=%s err=%v", rec.PaymentID, err)
	}
	return res, nil
}

func (s *SettlementService) cachedResult(ctx context.Context, req SettleRequest) (*SettleResult, bool) {
	var res SettleResult
	hit, err := s.cache.GetJSON(ctx, cache.SettleResultKey(req.PaymentID), &res)
	if err != nil {
		logger.Warningf("[Settle] cache read failed: payment=%s err=%v", req.PaymentID, err)
		return nil, false
	}
	if !hit || !res.sameRequest(req) {
		return nil, false
	}
	res.Replayed = true
	return &res, true
}

func (s *SettlementService) loadCompetition(ctx context.Context, slug string) (*models.Competition, error) {
	c, err := store.GetCompetition(ctx, s.store.DB(), slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "competition %s not found", slug)
	}
	return c, classify(err, "load competition")
}

// verifierErr keeps classified verifier errors and marks anything else as a
// retryable verification failure.
func verifierErr(err error, op string) error {
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		return apperr.Wrap(apperr.KindVerificationFailed, err, op)
	}
	return err
}
