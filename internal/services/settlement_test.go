package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"raffle/internal/apperr"
	"raffle/internal/cache"
	"raffle/internal/models"
	"raffle/internal/store"
)

func TestSettlementService_Settle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "spring", 20, 125)

	t.Run("Test exact amount is credited", func(t *testing.T) {
		res, err := env.buy(t, "pay-250", "spring", "alice", 250)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if res.Quantity != 2 {
			t.Errorf("Expected quantity 2, but got %d", res.Quantity)
		}
		if res.Tickets != (models.TicketRange{Start: 1, End: 2}) {
			t.Errorf("Expected tickets 1-2, but got %s", res.Tickets)
		}
		if res.CompetitionStatus != models.CompetitionActive {
			t.Errorf("Expected competition to stay active, but got %s", res.CompetitionStatus)
		}
		if !env.verifier.Confirmed("pay-250") {
			t.Errorf("Expected payment to be confirmed at the processor")
		}
		if n := env.outboxCount(t, models.TopicTicketsSettled); n != 1 {
			t.Errorf("Expected 1 settled event, but got %d", n)
		}
	})

	t.Run("Test non-multiple amount is a validation error", func(t *testing.T) {
		_, err := env.buy(t, "pay-200", "spring", "alice", 200)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("Expected validation error, but got %v", err)
		}
		if env.verifier.Calls("pay-200") != 0 {
			t.Errorf("Expected no verifier call for an invalid amount")
		}
		if sold := env.competition(t, "spring").Sold; sold != 2 {
			t.Errorf("Expected sold to stay 2, but got %d", sold)
		}
	})

	t.Run("Test quantity above the per-transaction max is rejected", func(t *testing.T) {
		_, err := env.buy(t, "pay-big", "spring", "bob", 125*11)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("Expected validation error, but got %v", err)
		}
	})

	t.Run("Test unknown competition", func(t *testing.T) {
		_, err := env.buy(t, "pay-x", "nope", "bob", 125)
		if apperr.KindOf(err) != apperr.KindNotFound {
			t.Fatalf("Expected not_found, but got %v", err)
		}
	})
}

func TestSettlementService_Idempotence(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "idem", 20, 100)

	first, err := env.buy(t, "pay-1", "idem", "alice", 300)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	second, err := env.buy(t, "pay-1", "idem", "alice", 300)
	if err != nil {
		t.Fatalf("Expected replay to succeed, but got %v", err)
	}

	if first.Tickets != second.Tickets {
		t.Errorf("Expected identical tickets, but got %s and %s", first.Tickets, second.Tickets)
	}
	if first.Replayed || !second.Replayed {
		t.Errorf("Expected only the second call to be a replay")
	}
	if sold := env.competition(t, "idem").Sold; sold != 3 {
		t.Errorf("Expected sold 3 after replay, but got %d", sold)
	}
	if calls := env.verifier.Calls("pay-1"); calls != 1 {
		t.Errorf("Expected replay to skip verification, but verifier ran %d times", calls)
	}

	_, err = env.buy(t, "pay-1", "idem", "mallory", 300)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error for different terms, but got %v", err)
	}
}

func TestSettlementService_ConcurrentSamePayment(t *testing.T) {
	env := newPooledEnv(t)
	env.seed(t, "dup", 50, 100)
	env.verifier.Settle("pay-dup", 400, "tx-dup")

	const callers = 8
	results := make([]*SettleResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.settle.Settle(context.Background(), SettleRequest{
				PaymentID: "pay-dup", TxID: "tx-dup", CompetitionSlug: "dup", ClaimedAmount: 400, Buyer: "alice",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Expected every caller to succeed, but caller %d got %v", i, errs[i])
		}
		if results[i].Tickets != results[0].Tickets {
			t.Errorf("Expected identical tickets, but got %s and %s", results[i].Tickets, results[0].Tickets)
		}
	}
	if sold := env.competition(t, "dup").Sold; sold != 4 {
		t.Errorf("Expected sold 4, but got %d", sold)
	}
}

func TestSettlementService_NeverOversells(t *testing.T) {
	env := newPooledEnv(t)
	env.seed(t, "rush", 10, 100)

	const buyers = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ranges []models.TicketRange
		denied int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.buy(t, fmt.Sprintf("rush-%d", i), "rush", fmt.Sprintf("user-%d", i), 200)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if k := apperr.KindOf(err); k != apperr.KindCapacityExceeded && k != apperr.KindNotEligible {
					t.Errorf("Expected capacity rejection, but got %v", err)
				}
				denied++
				return
			}
			ranges = append(ranges, res.Tickets)
		}(i)
	}
	wg.Wait()

	if len(ranges) != 5 || denied != buyers-5 {
		t.Fatalf("Expected 5 settlements and %d rejections, but got %d and %d", buyers-5, len(ranges), denied)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	next := int64(1)
	for _, r := range ranges {
		if r.Start != next {
			t.Errorf("Expected gap-free ranges, but range %s starts at %d", r, r.Start)
		}
		next = r.End + 1
	}
	c := env.competition(t, "rush")
	if c.Sold != 10 || c.Status != models.CompetitionCompleted {
		t.Errorf("Expected sold out and completed, but got sold=%d status=%s", c.Sold, c.Status)
	}
	// Buyers turned away before confirmation owe no refund.
	if n := env.outboxCount(t, models.TopicRefundRequired); n > int64(denied) {
		t.Errorf("Expected at most %d refund events, but got %d", denied, n)
	}
}

func TestSettlementService_ConcurrentLimit(t *testing.T) {
	env := newPooledEnv(t)
	env.seed(t, "hot", 100, 100)
	if _, err := env.comps.SetUserLimit(context.Background(), "alice", 5); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := env.buy(t, "hot-0", "hot", "alice", 300); err != nil {
		t.Fatalf("Expected first purchase to succeed, but got %v", err)
	}

	const callers = 6
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		env.verifier.Settle(fmt.Sprintf("hot-%d", i+1), 200, fmt.Sprintf("tx-hot-%d", i+1))
	}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("hot-%d", i+1)
			_, errs[i] = env.settle.Settle(context.Background(), SettleRequest{
				PaymentID: id, TxID: "tx-" + id, CompetitionSlug: "hot", ClaimedAmount: 200, Buyer: "alice",
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) != apperr.KindLimitExceeded:
			t.Errorf("Expected limit_exceeded for caller %d, but got %v", i, err)
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly one settlement within the cap, but got %d", ok)
	}
	entries, err := env.comps.OwnerTickets(context.Background(), "hot", "alice")
	if err != nil {
		t.Fatalf("Expected owner tickets, but got %v", err)
	}
	var held int64
	for _, e := range entries {
		held += e.Quantity
	}
	if held != 5 {
		t.Errorf("Expected alice to hold 5 tickets, but got %d", held)
	}
	if sold := env.competition(t, "hot").Sold; sold != 5 {
		t.Errorf("Expected sold 5, but got %d", sold)
	}
}

func TestSettlementService_LimitEnforcement(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "capped", 100, 100)
	if _, err := env.comps.SetUserLimit(context.Background(), "alice", 5); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if _, err := env.buy(t, "l-1", "capped", "alice", 300); err != nil {
		t.Fatalf("Expected first purchase to succeed, but got %v", err)
	}

	t.Run("Test exceeding the cap is rejected", func(t *testing.T) {
		_, err := env.buy(t, "l-2", "capped", "alice", 300)
		if apperr.KindOf(err) != apperr.KindLimitExceeded {
			t.Fatalf("Expected limit_exceeded, but got %v", err)
		}
		rec, err := env.settle.Ledger().Get(context.Background(), "l-2")
		if err != nil {
			t.Fatalf("Expected ledger record, but got %v", err)
		}
		if rec.Status != models.PaymentFailed {
			t.Errorf("Expected payment to be failed, but got %s", rec.Status)
		}
		if n := env.outboxCount(t, models.TopicRefundRequired); n != 1 {
			t.Errorf("Expected 1 refund event, but got %d", n)
		}
		if sold := env.competition(t, "capped").Sold; sold != 3 {
			t.Errorf("Expected sold to stay 3, but got %d", sold)
		}
	})

	t.Run("Test filling up to the cap succeeds", func(t *testing.T) {
		res, err := env.buy(t, "l-3", "capped", "alice", 200)
		if err != nil {
			t.Fatalf("Expected success, but got %v", err)
		}
		if res.Tickets != (models.TicketRange{Start: 4, End: 5}) {
			t.Errorf("Expected tickets 4-5, but got %s", res.Tickets)
		}
	})

	t.Run("Test failed payment cannot be retried", func(t *testing.T) {
		_, err := env.buy(t, "l-2", "capped", "alice", 300)
		if apperr.KindOf(err) != apperr.KindNotEligible {
			t.Errorf("Expected not_eligible for a failed payment, but got %v", err)
		}
	})
}

func TestLimitGuard_Precedence(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	guard := NewLimitGuard(10)

	plain := env.seed(t, "plain", 100, 100)
	override := storeCompetitionWithCap(t, env, "override", 2)

	got, err := guard.EffectiveCap(ctx, env.store.DB(), plain, "alice")
	if err != nil || got != 10 {
		t.Errorf("Expected global default 10, but got %d (%v)", got, err)
	}
	if _, err := env.comps.SetUserLimit(ctx, "alice", 4); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	got, _ = guard.EffectiveCap(ctx, env.store.DB(), plain, "alice")
	if got != 4 {
		t.Errorf("Expected user override 4, but got %d", got)
	}
	got, _ = guard.EffectiveCap(ctx, env.store.DB(), override, "alice")
	if got != 2 {
		t.Errorf("Expected competition override 2, but got %d", got)
	}

	if _, err := env.grant.IssueTickets(ctx, IssueRequest{CompetitionSlug: "plain", Owner: "alice", Quantity: 3, Provenance: models.ProvenanceGift}); err != nil {
		t.Fatalf("Expected grant to succeed, but got %v", err)
	}
	if err := guard.CheckLimit(ctx, env.store.DB(), plain, "alice", 2); apperr.KindOf(err) != apperr.KindLimitExceeded {
		t.Errorf("Expected gifts to count towards the cap, but got %v", err)
	}
	if err := guard.CheckLimit(ctx, env.store.DB(), plain, "alice", 1); err != nil {
		t.Errorf("Expected 1 more ticket to be allowed, but got %v", err)
	}
	if err := NewLimitGuard(0).CheckLimit(ctx, env.store.DB(), plain, "bob", 1000); err != nil {
		t.Errorf("Expected no cap without any limit configured, but got %v", err)
	}
}

func storeCompetitionWithCap(t *testing.T, env *testEnv, slug string, maxPerUser int64) *models.Competition {
	t.Helper()
	c := &models.Competition{
		Slug: slug, Capacity: 100, UnitPrice: 100, WinnersCount: 1, MaxPerUser: maxPerUser,
		Status:      models.CompetitionActive,
		WindowStart: time.Now().Add(-time.Hour).UnixMilli(),
		WindowEnd:   time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.InsertCompetition(context.Background(), env.store.DB(), c); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	return c
}

func TestSettlementService_Verification(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "verify", 20, 100)

	t.Run("Test unverified payment is retryable and credits nothing", func(t *testing.T) {
		_, err := env.settle.Settle(context.Background(), SettleRequest{
			PaymentID: "v-1", CompetitionSlug: "verify", ClaimedAmount: 100, Buyer: "alice",
		})
		if apperr.KindOf(err) != apperr.KindVerificationFailed || !apperr.Retryable(err) {
			t.Fatalf("Expected retryable verification_failed, but got %v", err)
		}
		rec, err := env.settle.Ledger().Get(context.Background(), "v-1")
		if err != nil {
			t.Fatalf("Expected pending record, but got %v", err)
		}
		if rec.Status != models.PaymentPending {
			t.Errorf("Expected pending, but got %s", rec.Status)
		}
	})

	t.Run("Test timeout surfaces as retryable", func(t *testing.T) {
		env.verifier.Timeout("v-2")
		_, err := env.settle.Settle(context.Background(), SettleRequest{
			PaymentID: "v-2", CompetitionSlug: "verify", ClaimedAmount: 100, Buyer: "alice",
		})
		if apperr.KindOf(err) != apperr.KindVerificationTimeout || !apperr.Retryable(err) {
			t.Fatalf("Expected retryable verification_timeout, but got %v", err)
		}
	})

	t.Run("Test retry after verification succeeds", func(t *testing.T) {
		res, err := env.buy(t, "v-1", "verify", "alice", 100)
		if err != nil {
			t.Fatalf("Expected success, but got %v", err)
		}
		if res.Tickets.Start != 1 {
			t.Errorf("Expected first ticket 1, but got %d", res.Tickets.Start)
		}
	})

	t.Run("Test verified amount mismatch", func(t *testing.T) {
		env.verifier.Settle("v-3", 100, "tx-v-3")
		_, err := env.settle.Settle(context.Background(), SettleRequest{
			PaymentID: "v-3", CompetitionSlug: "verify", ClaimedAmount: 500, Buyer: "alice",
		})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("Expected validation error, but got %v", err)
		}
	})

	t.Run("Test verified payment without an amount credits nothing", func(t *testing.T) {
		env.verifier.Settle("v-4", 0, "tx-v-4")
		_, err := env.settle.Settle(context.Background(), SettleRequest{
			PaymentID: "v-4", TxID: "tx-v-4", CompetitionSlug: "verify", ClaimedAmount: 1000, Buyer: "alice",
		})
		if apperr.KindOf(err) != apperr.KindVerificationFailed {
			t.Fatalf("Expected verification_failed, but got %v", err)
		}
		rec, err := env.settle.Ledger().Get(context.Background(), "v-4")
		if err != nil {
			t.Fatalf("Expected pending record, but got %v", err)
		}
		if rec.Status != models.PaymentPending {
			t.Errorf("Expected pending, but got %s", rec.Status)
		}
	})

	if sold := env.competition(t, "verify").Sold; sold != 1 {
		t.Errorf("Expected sold 1, but got %d", sold)
	}
}

func TestSettlementService_Window(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, "window", 20, 100)

	env.settle.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := env.buy(t, "w-1", "window", "alice", 100)
	if apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("Expected not_eligible after the window, but got %v", err)
	}
	if env.verifier.Calls("w-1") != 0 {
		t.Errorf("Expected no verification outside the window")
	}
}

func TestSettlementService_RedisReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.New(rdb, 30*time.Second, time.Minute)

	env := newTestEnv(t, c)
	env.seed(t, "cached", 20, 100)

	first, err := env.buy(t, "c-1", "cached", "alice", 200)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if !mr.Exists(cache.SettleResultKey("c-1")) {
		t.Fatalf("Expected the result to be cached")
	}
	if mr.Exists(cache.SettleLockKey("c-1")) {
		t.Errorf("Expected the in-flight lock to be released")
	}

	second, err := env.buy(t, "c-1", "cached", "alice", 200)
	if err != nil {
		t.Fatalf("Expected replay, but got %v", err)
	}
	if !second.Replayed || second.Tickets != first.Tickets {
		t.Errorf("Expected a cached replay of %s, but got %+v", first.Tickets, second)
	}

	if err := mr.Set(cache.SettleLockKey("c-2"), "someone-else"); err != nil {
		t.Fatal(err)
	}
	_, err = env.buy(t, "c-2", "cached", "bob", 100)
	if apperr.KindOf(err) != apperr.KindInFlight {
		t.Errorf("Expected in_flight while another caller holds the lock, but got %v", err)
	}
}
