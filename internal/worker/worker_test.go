package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"raffle/internal/config"
	"raffle/internal/models"
	"raffle/internal/payment/paymenttest"
	"raffle/internal/services"
	"raffle/internal/store"
	"raffle/internal/store/storetest"
)

func newRedis(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func enqueue(t *testing.T, st *store.Store, topic, key string, payload any) {
	t.Helper()
	require.NoError(t, store.CreateOutbox(context.Background(), st.DB(), topic, key, payload))
}

func count(t *testing.T, st *store.Store, status int, topic string) int64 {
	t.Helper()
	n, err := store.CountOutbox(context.Background(), st.DB(), status, topic)
	require.NoError(t, err)
	return n
}

func TestDispatcherDeliversByTopic(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	d := NewDispatcher(st, config.OutboxConfig{BatchSize: 10, MaxRetries: 3})

	var settled, all atomic.Int32
	d.On(models.TopicTicketsSettled, HookFunc(func(context.Context, store.OutboxRow) error {
		settled.Add(1)
		return nil
	}))
	d.OnAll(HookFunc(func(context.Context, store.OutboxRow) error {
		all.Add(1)
		return nil
	}))

	enqueue(t, st, models.TopicTicketsSettled, "p1", models.SettledEvent{PaymentID: "p1"})
	enqueue(t, st, models.TopicWinnersDrawn, "c1", models.DrawnEvent{CompetitionSlug: "c1"})

	sent, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.EqualValues(t, 1, settled.Load())
	require.EqualValues(t, 2, all.Load())
	require.EqualValues(t, 2, count(t, st, store.OutboxSent, ""))

	sent, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestDispatcherRetriesThenParks(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	d := NewDispatcher(st, config.OutboxConfig{BatchSize: 10, MaxRetries: 2})

	var calls atomic.Int32
	d.On(models.TopicRefundRequired, HookFunc(func(context.Context, store.OutboxRow) error {
		calls.Add(1)
		return errors.New("refund desk unreachable")
	}))
	enqueue(t, st, models.TopicRefundRequired, "p9", models.RefundEvent{PaymentID: "p9"})

	for i := 0; i < 4; i++ {
		_, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, calls.Load())
	require.EqualValues(t, 1, count(t, st, store.OutboxFailed, models.TopicRefundRequired))
	require.Zero(t, count(t, st, store.OutboxPending, ""))
}

func TestDispatcherStartStops(t *testing.T) {
	st := storetest.Open(t)
	d := NewDispatcher(st, config.OutboxConfig{Interval: 10 * time.Millisecond})
	enqueue(t, st, models.TopicSoldOut, "c1", map[string]string{"competitionSlug": "c1"})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	d.Start(ctx, &wg)
	require.Eventually(t, func() bool {
		return count(t, st, store.OutboxSent, "") == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestStreamPublisher(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newRedis(t)
	p := NewStreamPublisher(rdb, "raffle:events")

	row := store.OutboxRow{ID: "evt-1", Topic: models.TopicWinnersDrawn, BizKey: "c1", Payload: `{"competitionSlug":"c1"}`}
	require.NoError(t, p.Handle(ctx, row))

	msgs, err := rdb.XRange(ctx, "raffle:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "evt-1", msgs[0].Values["event_id"])
	require.Equal(t, models.TopicWinnersDrawn, msgs[0].Values["topic"])
	require.Equal(t, `{"competitionSlug":"c1"}`, msgs[0].Values["payload"])
}

func TestSpendHookCountsEachRowOnce(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newRedis(t)
	h := NewSpendHook(rdb)

	purchase := `{"competitionSlug":"c1","owner":"alice","provenance":"purchase","amount":250}`
	gift := `{"competitionSlug":"c1","owner":"alice","provenance":"gift"}`
	require.NoError(t, h.Handle(ctx, store.OutboxRow{ID: "r1", Payload: purchase}))
	require.NoError(t, h.Handle(ctx, store.OutboxRow{ID: "r1", Payload: purchase}))
	require.NoError(t, h.Handle(ctx, store.OutboxRow{ID: "r2", Payload: purchase}))
	require.NoError(t, h.Handle(ctx, store.OutboxRow{ID: "r3", Payload: gift}))
	require.NoError(t, h.Handle(ctx, store.OutboxRow{ID: "r4", Payload: "not json"}))

	total, err := rdb.HGet(ctx, SpendKey("c1"), "alice").Int64()
	require.NoError(t, err)
	require.EqualValues(t, 500, total)
}

func TestStageHookDrawsSoldOutCompetition(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	c := storetest.Competition("flash", 2, 100)
	c.Status = models.CompetitionCompleted
	c.Sold = 2
	storetest.Seed(t, st, c)
	require.NoError(t, store.InsertTicketEntry(ctx, st.DB(), &models.TicketEntry{
		CompetitionSlug: "flash", Owner: "alice", Quantity: 2, RangeStart: 1, RangeEnd: 2,
		Provenance: models.ProvenanceGift,
	}))

	h := NewStageHook(services.NewDrawService(st, nil, services.Options{}))
	row := store.OutboxRow{ID: "s1", Topic: models.TopicSoldOut, BizKey: "flash"}
	require.NoError(t, h.Handle(ctx, row))
	require.NoError(t, h.Handle(ctx, row))

	winners, err := store.ListWinners(ctx, st.DB(), "flash")
	require.NoError(t, err)
	require.Len(t, winners, 1)
	require.Equal(t, "alice", winners[0].Owner)
}

func seedPayment(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ok, err := store.InsertPayment(context.Background(), st.DB(), &models.PaymentRecord{
		PaymentID: id, ClaimedAmount: 100, CompetitionSlug: "late", Buyer: "alice",
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReconcilePayments(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	storetest.Seed(t, st, storetest.Competition("late", 10, 100))
	fake := paymenttest.NewFake()

	seedPayment(t, st, "unpaid")
	seedPayment(t, st, "expired")
	seedPayment(t, st, "paid")
	seedPayment(t, st, "flaky")
	fake.SetState("expired", "expired")
	fake.Settle("paid", 100, "tx-paid")
	fake.Timeout("flaky")

	r := NewReconciler(st, fake, services.NewLedger(st), nil, config.ReconcilerConfig{PendingGrace: time.Minute})

	sum := r.ReconcilePayments(ctx)
	require.Zero(t, sum.Failed+sum.Stuck, "fresh payments are left alone")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	sum = r.ReconcilePayments(ctx)
	require.Equal(t, ReconcileSummary{Failed: 1, Cancelled: 1, Stuck: 1, Errors: 1}, sum)

	get := func(id string) *models.PaymentRecord {
		p, err := store.GetPayment(ctx, st.DB(), id)
		require.NoError(t, err)
		return p
	}
	require.Equal(t, models.PaymentFailed, get("unpaid").Status)
	require.Equal(t, models.PaymentCancelled, get("expired").Status)
	require.Equal(t, models.PaymentPending, get("paid").Status)
	require.Equal(t, models.PaymentPending, get("flaky").Status)
	require.EqualValues(t, 1, count(t, st, store.OutboxPending, models.TopicPaymentStuck))

	sum = r.ReconcilePayments(ctx)
	require.Equal(t, 1, sum.Skipped)
	require.EqualValues(t, 1, count(t, st, store.OutboxPending, models.TopicPaymentStuck))

	sold, err := store.GetCompetition(ctx, st.DB(), "late")
	require.NoError(t, err)
	require.Zero(t, sold.Sold, "reconciler never credits tickets")
}

func TestAuditAndDrawClosed(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	past := time.Now().Add(-time.Hour)
	for _, slug := range []string{"ended", "broken"} {
		c := storetest.Competition(slug, 10, 100)
		c.WindowStart = past.Add(-time.Hour).UnixMilli()
		c.WindowEnd = past.UnixMilli()
		if slug == "broken" {
			c.Sold = 3
		}
		storetest.Seed(t, st, c)
	}
	storetest.Seed(t, st, storetest.Competition("open", 10, 100))

	draws := services.NewDrawService(st, nil, services.Options{})
	r := NewReconciler(st, paymenttest.NewFake(), services.NewLedger(st), draws, config.ReconcilerConfig{})

	bad, err := r.AuditInventory(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	require.Equal(t, "broken", bad[0].Slug)

	require.Equal(t, 2, r.DrawClosed(ctx))
	require.Zero(t, r.DrawClosed(ctx))

	open, err := store.GetCompetition(ctx, st.DB(), "open")
	require.NoError(t, err)
	require.False(t, open.Drawn, "open windows are not drawn")
}

func TestRunner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(ctx)

	_, err := r.Add("bad", "every now and then", func(context.Context) {})
	require.Error(t, err)

	var runs atomic.Int32
	_, err = r.Add("tick", "* * * * * *", func(context.Context) { runs.Add(1) })
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	r.Stop()
}
