package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/models"
	"raffle/internal/store"
)

// CompetitionService covers the operator lifecycle of a competition and the
// read-side queries the API exposes.
type CompetitionService struct {
	store *store.Store
}

// NewCompetitionService creates a new CompetitionService.
func NewCompetitionService(st *store.Store) *CompetitionService {
	return &CompetitionService{store: st}
}

// Create stores c as a draft with nothing sold.
func (s *CompetitionService) Create(ctx context.Context, c *models.Competition) error {
	c.Slug = strings.TrimSpace(c.Slug)
	c.Status = models.CompetitionDraft
	c.Sold = 0
	c.Drawn = false
	if err := c.Validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid competition")
	}
	err := store.InsertCompetition(ctx, s.store.DB(), c)
	if errors.Is(err, store.ErrDuplicate) {
		return apperr.New(apperr.KindValidation, "competition %s already exists", c.Slug)
	}
	if err != nil {
		return classify(err, "create competition")
	}
	logger.Infof("[Competition] created: slug=%s capacity=%d unit_price=%d", c.Slug, c.Capacity, c.UnitPrice)
	return nil
}

// Get loads a competition.
func (s *CompetitionService) Get(ctx context.Context, slug string) (*models.Competition, error) {
	c, err := store.GetCompetition(ctx, s.store.DB(), slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "competition %s not found", slug)
	}
	return c, classify(err, "get competition")
}

// Activate opens a draft competition for sale.
func (s *CompetitionService) Activate(ctx context.Context, slug string) (*models.Competition, error) {
	return s.transition(ctx, slug, models.CompetitionDraft, models.CompetitionActive)
}

// Cancel cancels a draft or active competition.
func (s *CompetitionService) Cancel(ctx context.Context, slug string) (*models.Competition, error) {
	c, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, slug, c.Status, models.CompetitionCancelled)
}

func (s *CompetitionService) transition(ctx context.Context, slug string, from, to models.CompetitionStatus) (*models.Competition, error) {
	if !models.CanTransition(from, to) {
		return nil, apperr.New(apperr.KindNotEligible, "competition %s cannot move from %s to %s", slug, from, to)
	}
	ok, err := store.TransitionCompetition(ctx, s.store.DB(), slug, from, to)
	if err != nil {
		return nil, classify(err, "transition competition")
	}
	c, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindNotEligible, "competition %s is %s, expected %s", slug, c.Status, from)
	}
	logger.Infof("[Competition] %s -> %s: slug=%s", from, to, slug)
	return c, nil
}

// OwnerTickets lists the entries owner holds in slug.
func (s *CompetitionService) OwnerTickets(ctx context.Context, slug, owner string) ([]models.TicketEntry, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperr.New(apperr.KindValidation, "owner is required")
	}
	if _, err := s.Get(ctx, slug); err != nil {
		return nil, err
	}
	entries, err := store.ListOwnerEntries(ctx, s.store.DB(), slug, owner)
	return entries, classify(err, "list tickets")
}

// SetUserLimit sets owner's cap override. 0 removes the override.
func (s *CompetitionService) SetUserLimit(ctx context.Context, owner string, maxTickets int64) (*models.UserLimit, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, apperr.New(apperr.KindValidation, "owner is required")
	}
	if maxTickets < 0 {
		return nil, apperr.New(apperr.KindValidation, "maxTickets cannot be negative")
	}
	if err := store.SetUserLimit(ctx, s.store.DB(), owner, maxTickets); err != nil {
		return nil, classify(err, "set user limit")
	}
	return &models.UserLimit{Owner: owner, MaxTickets: maxTickets, UpdatedAt: time.Now().UnixMilli()}, nil
}
