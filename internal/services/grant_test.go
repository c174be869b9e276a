package services

import (
	"context"
	"testing"
	"time"

	"raffle/internal/apperr"
	"raffle/internal/models"
	"raffle/internal/store"
)

func TestGrantService_IssueTickets(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, "gifts", 5, 100)

	t.Run("Test gift shares the purchase sequence", func(t *testing.T) {
		if _, err := env.buy(t, "g-1", "gifts", "alice", 200); err != nil {
			t.Fatalf("Expected purchase to succeed, but got %v", err)
		}
		entry, err := env.grant.IssueTickets(ctx, IssueRequest{
			CompetitionSlug: "gifts", Owner: "bob", Quantity: 2, Provenance: models.ProvenanceVoucher,
		})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if entry.TicketRange() != (models.TicketRange{Start: 3, End: 4}) {
			t.Errorf("Expected tickets 3-4, but got %s", entry.TicketRange())
		}
		if entry.PaymentID != "" {
			t.Errorf("Expected no payment on a grant, but got %s", entry.PaymentID)
		}
		if n := env.outboxCount(t, models.TopicTicketsIssued); n != 1 {
			t.Errorf("Expected 1 issued event, but got %d", n)
		}
	})

	t.Run("Test invalid requests", func(t *testing.T) {
		cases := []IssueRequest{
			{CompetitionSlug: "gifts", Owner: "", Quantity: 1, Provenance: models.ProvenanceGift},
			{CompetitionSlug: "gifts", Owner: "bob", Quantity: 1, Provenance: models.ProvenancePurchase},
			{CompetitionSlug: "gifts", Owner: "bob", Quantity: 1, Provenance: "bonus"},
			{CompetitionSlug: "gifts", Owner: "bob", Quantity: 0, Provenance: models.ProvenanceGift},
			{CompetitionSlug: "gifts", Owner: "bob", Quantity: 11, Provenance: models.ProvenanceGift},
		}
		for _, req := range cases {
			if _, err := env.grant.IssueTickets(ctx, req); apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("Expected validation error for %+v, but got %v", req, err)
			}
		}
	})

	t.Run("Test grant beyond capacity", func(t *testing.T) {
		_, err := env.grant.IssueTickets(ctx, IssueRequest{
			CompetitionSlug: "gifts", Owner: "carol", Quantity: 2, Provenance: models.ProvenancePrize,
		})
		if apperr.KindOf(err) != apperr.KindCapacityExceeded {
			t.Fatalf("Expected capacity_exceeded, but got %v", err)
		}
	})

	t.Run("Test last ticket completes the competition", func(t *testing.T) {
		if _, err := env.grant.IssueTickets(ctx, IssueRequest{
			CompetitionSlug: "gifts", Owner: "carol", Quantity: 1, Provenance: models.ProvenancePrize,
		}); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		c := env.competition(t, "gifts")
		if c.Status != models.CompetitionCompleted || c.Sold != 5 {
			t.Errorf("Expected completed with 5 sold, but got %s with %d", c.Status, c.Sold)
		}
		if n := env.outboxCount(t, models.TopicSoldOut); n != 1 {
			t.Errorf("Expected 1 sold-out event, but got %d", n)
		}
	})
}

func TestInventoryService_Reserve(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	inv := NewInventoryService(env.store, Options{})
	env.seed(t, "stock", 3, 100)

	r, err := inv.Reserve(ctx, "stock", 2)
	if err != nil || r != (models.TicketRange{Start: 1, End: 2}) {
		t.Fatalf("Expected tickets 1-2, but got %s (%v)", r, err)
	}
	if _, err := inv.Reserve(ctx, "stock", 2); apperr.KindOf(err) != apperr.KindCapacityExceeded {
		t.Errorf("Expected capacity_exceeded, but got %v", err)
	}
	if _, err := inv.Reserve(ctx, "stock", 0); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error, but got %v", err)
	}
	if _, err := inv.Reserve(ctx, "missing", 1); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found, but got %v", err)
	}
	if _, err := env.comps.Cancel(ctx, "stock"); err != nil {
		t.Fatalf("Expected cancel to succeed, but got %v", err)
	}
	if _, err := inv.Reserve(ctx, "stock", 1); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Errorf("Expected not_eligible on a cancelled competition, but got %v", err)
	}
	if sold := env.competition(t, "stock").Sold; sold != 2 {
		t.Errorf("Expected sold 2, but got %d", sold)
	}
}

func TestCompetitionService_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now()
	c := &models.Competition{
		Slug: " autumn ", Title: "Autumn", Capacity: 50, UnitPrice: 250, WinnersCount: 2,
		Status: models.CompetitionActive, Sold: 7,
		WindowStart: now.Add(-time.Minute).UnixMilli(),
		WindowEnd:   now.Add(time.Hour).UnixMilli(),
	}

	t.Run("Test create stores a draft", func(t *testing.T) {
		if err := env.comps.Create(ctx, c); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		got, err := env.comps.Get(ctx, "autumn")
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if got.Status != models.CompetitionDraft || got.Sold != 0 {
			t.Errorf("Expected an empty draft, but got %s with %d sold", got.Status, got.Sold)
		}
		if err := env.comps.Create(ctx, &models.Competition{Slug: "autumn", Capacity: 1, UnitPrice: 1, WinnersCount: 1, WindowStart: 1, WindowEnd: 2}); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("Expected duplicate slug to be rejected, but got %v", err)
		}
		if err := env.comps.Create(ctx, &models.Competition{Slug: "bad"}); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("Expected invalid competition to be rejected, but got %v", err)
		}
	})

	t.Run("Test draft does not sell", func(t *testing.T) {
		_, err := env.buy(t, "a-0", "autumn", "alice", 250)
		if apperr.KindOf(err) != apperr.KindNotEligible {
			t.Errorf("Expected not_eligible on a draft, but got %v", err)
		}
	})

	t.Run("Test activate then sell", func(t *testing.T) {
		got, err := env.comps.Activate(ctx, "autumn")
		if err != nil || got.Status != models.CompetitionActive {
			t.Fatalf("Expected active, but got %v (%v)", got, err)
		}
		if _, err := env.comps.Activate(ctx, "autumn"); apperr.KindOf(err) != apperr.KindNotEligible {
			t.Errorf("Expected second activate to be rejected, but got %v", err)
		}
		if _, err := env.buy(t, "a-1", "autumn", "alice", 500); err != nil {
			t.Fatalf("Expected purchase, but got %v", err)
		}
		entries, err := env.comps.OwnerTickets(ctx, "autumn", "alice")
		if err != nil || len(entries) != 1 {
			t.Fatalf("Expected 1 entry, but got %d (%v)", len(entries), err)
		}
		if entries[0].PaymentID != "a-1" || entries[0].Provenance != models.ProvenancePurchase {
			t.Errorf("Expected purchase entry for a-1, but got %+v", entries[0])
		}
	})

	t.Run("Test cancel is terminal", func(t *testing.T) {
		if _, err := env.comps.Cancel(ctx, "autumn"); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if _, err := env.comps.Cancel(ctx, "autumn"); apperr.KindOf(err) != apperr.KindNotEligible {
			t.Errorf("Expected cancelled competition to stay cancelled, but got %v", err)
		}
		ok, err := store.MarkDrawn(ctx, env.store.DB(), "autumn", time.Now().Add(2*time.Hour))
		if err != nil || ok {
			t.Errorf("Expected a cancelled competition never to be drawn, but got %v (%v)", ok, err)
		}
	})

	t.Run("Test user limit validation", func(t *testing.T) {
		if _, err := env.comps.SetUserLimit(ctx, "", 3); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("Expected validation error, but got %v", err)
		}
		if _, err := env.comps.SetUserLimit(ctx, "alice", -1); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("Expected validation error, but got %v", err)
		}
	})
}
