package services

import (
	"context"
	"testing"
	"time"

	"raffle/internal/cache"
	"raffle/internal/models"
	"raffle/internal/payment/paymenttest"
	"raffle/internal/store"
	"raffle/internal/store/storetest"
)

type testEnv struct {
	store    *store.Store
	verifier *paymenttest.Fake
	settle   *SettlementService
	draw     *DrawService
	grant    *GrantService
	comps    *CompetitionService
}

func newTestEnv(t *testing.T, c *cache.Cache) *testEnv {
	t.Helper()
	return newTestEnvOn(t, storetest.Open(t), c)
}

// newPooledEnv runs the services on a multi-connection store so concurrent
// callers hold database transactions at the same time.
func newPooledEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, storetest.OpenPool(t, 8), nil)
}

func newTestEnvOn(t *testing.T, st *store.Store, c *cache.Cache) *testEnv {
	t.Helper()
	fake := paymenttest.NewFake()
	opts := Options{MaxTicketsPerTx: 10, TxTimeout: 5 * time.Second, TxRetries: 3}
	return &testEnv{
		store:    st,
		verifier: fake,
		settle:   NewSettlementService(st, c, fake, opts),
		draw:     NewDrawService(st, c, opts),
		grant:    NewGrantService(st, opts),
		comps:    NewCompetitionService(st),
	}
}

func (e *testEnv) seed(t *testing.T, slug string, capacity, unitPrice int64) *models.Competition {
	t.Helper()
	return storetest.Seed(t, e.store, storetest.Competition(slug, capacity, unitPrice))
}

func (e *testEnv) competition(t *testing.T, slug string) *models.Competition {
	t.Helper()
	c, err := store.GetCompetition(context.Background(), e.store.DB(), slug)
	if err != nil {
		t.Fatalf("Expected competition %s, but got error %v", slug, err)
	}
	return c
}

func (e *testEnv) outboxCount(t *testing.T, topic string) int64 {
	t.Helper()
	n, err := store.CountOutbox(context.Background(), e.store.DB(), store.OutboxPending, topic)
	if err != nil {
		t.Fatalf("Expected outbox count, but got error %v", err)
	}
	return n
}

// buy settles a verified payment of amount for buyer.
func (e *testEnv) buy(t *testing.T, paymentID, slug, buyer string, amount int64) (*SettleResult, error) {
	t.Helper()
	e.verifier.Settle(paymentID, amount, "tx-"+paymentID)
	return e.settle.Settle(context.Background(), SettleRequest{
		PaymentID:       paymentID,
		TxID:            "tx-" + paymentID,
		CompetitionSlug: slug,
		ClaimedAmount:   amount,
		Buyer:           buyer,
	})
}
