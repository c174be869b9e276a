// Package services holds the settlement engine: inventory reservation, the
// user limit guard, the payment ledger, the settlement orchestrator, the
// winner draw and the operator-side ticket and competition operations.
package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/config"
	"raffle/internal/metrics"
	"raffle/internal/store"
)

// Options are the settlement knobs taken from config.
type Options struct {
	MaxTicketsPerTx  int64
	DefaultUserLimit int64
	TxTimeout        time.Duration
	TxRetries        int
}

// OptionsFrom copies the settlement section of cfg.
func OptionsFrom(cfg config.SettlementConfig) Options {
	return Options{
		MaxTicketsPerTx:  cfg.MaxTicketsPerTx,
		DefaultUserLimit: cfg.DefaultUserLimit,
		TxTimeout:        cfg.TxTimeout,
		TxRetries:        cfg.TxRetries,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxTicketsPerTx <= 0 {
		o.MaxTicketsPerTx = 100
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = 3 * time.Second
	}
	if o.TxRetries < 1 {
		o.TxRetries = 3
	}
	return o
}

// txRunner runs store transactions with a per-attempt timeout and retries
// transient contention errors with backoff.
type txRunner struct {
	store   *store.Store
	timeout time.Duration
	retries int
}

func (r txRunner) run(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err := r.store.InTx(tctx, func(tx *sqlx.Tx) error { return fn(tctx, tx) })
		if err == nil {
			return struct{}{}, nil
		}
		if store.IsRetryable(err) {
			metrics.RecordTxRetry(op)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(r.retries)))

	if err == nil {
		return nil
	}
	return classify(err, op)
}

// classify turns store and driver errors into apperr kinds. Errors that are
// already classified pass through unchanged.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, op)
	}
	return apperr.Wrap(apperr.KindPersistence, err, op)
}
