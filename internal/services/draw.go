package services

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/logger"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"raffle/internal/apperr"
	"raffle/internal/cache"
	"raffle/internal/metrics"
	"raffle/internal/models"
	"raffle/internal/store"
)

// DrawService selects the winners of a closed competition exactly once.
type DrawService struct {
	store   *store.Store
	cache   *cache.Cache
	tx      txRunner
	now     func() time.Time
	newRand func() *rand.Rand
}

// NewDrawService creates a new DrawService seeded from crypto/rand.
func NewDrawService(st *store.Store, c *cache.Cache, opts Options) *DrawService {
	opts = opts.withDefaults()
	return &DrawService{
		store:   st,
		cache:   c,
		tx:      txRunner{store: st, timeout: opts.TxTimeout, retries: opts.TxRetries},
		now:     time.Now,
		newRand: cryptoSeededRand,
	}
}

// cryptoSeededRand returns a ChaCha8 generator keyed from crypto/rand.
func cryptoSeededRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("draw: crypto/rand unavailable: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// DrawWinners runs the draw for slug. The competition must be completed, or
// active with its window over. A second call, concurrent or later, returns the
// stored winners with AlreadyDrawn=true and never draws again.
func (s *DrawService) DrawWinners(ctx context.Context, slug string) (*models.DrawResult, error) {
	start := time.Now()
	res, err := s.draw(ctx, slug)

	label := "success"
	var pool int64
	switch {
	case err != nil:
		label = string(apperr.KindOf(err))
		logger.Warningf("[Draw] rejected: competition=%s err=%v", slug, err)
	case res.AlreadyDrawn:
		label = "already_drawn"
	default:
		pool = res.PoolSize
	}
	metrics.RecordDraw(label, pool, start)
	return res, err
}

func (s *DrawService) draw(ctx context.Context, slug string) (*models.DrawResult, error) {
	c, err := store.GetCompetition(ctx, s.store.DB(), slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "competition %s not found", slug)
	}
	if err != nil {
		return nil, classify(err, "load competition")
	}
	if c.Drawn {
		return s.existing(ctx, slug)
	}
	now := s.now()
	eligible := c.Status == models.CompetitionCompleted ||
		(c.Status == models.CompetitionActive && c.ClosedByTime(now))
	if !eligible {
		return nil, apperr.New(apperr.KindNotEligible, "competition %s is %s and not closed", slug, c.Status)
	}

	var res *models.DrawResult
	err = s.tx.run(ctx, "draw", func(ctx context.Context, tx *sqlx.Tx) error {
		won, err := store.MarkDrawn(ctx, tx, slug, now)
		if err != nil {
			return err
		}
		if !won {
			return errAlreadyDrawn
		}
		entries, err := store.ListTicketEntries(ctx, tx, slug)
		if err != nil {
			return err
		}
		pool := newTicketPool(entries)
		winners := pool.pick(s.newRand(), c.WinnersCount)
		for i := range winners {
			winners[i].CompetitionSlug = slug
		}
		if err := store.InsertWinners(ctx, tx, winners); err != nil {
			return err
		}
		if err := store.CreateOutbox(ctx, tx, models.TopicWinnersDrawn, slug, models.DrawnEvent{
			CompetitionSlug: slug,
			Winners:         winners,
			PoolSize:        pool.size,
			At:              now.UnixMilli(),
		}); err != nil {
			return err
		}
		res = &models.DrawResult{CompetitionSlug: slug, Winners: winners, PoolSize: pool.size}
		return nil
	})
	if apperr.KindOf(err) == apperr.KindAlreadyProcessed {
		return s.existing(ctx, slug)
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, cache.WinnersKey(slug), res.Winners); err != nil {
		logger.Warningf("[Draw] cache winners failed: competition=%s err=%v", slug, err)
	}
	logger.Infof("[Draw] drawn: competition=%s pool=%d winners=%d", slug, res.PoolSize, len(res.Winners))
	return res, nil
}

var errAlreadyDrawn = apperr.New(apperr.KindAlreadyProcessed, "competition already drawn")

func (s *DrawService) existing(ctx context.Context, slug string) (*models.DrawResult, error) {
	winners, err := s.Winners(ctx, slug)
	if err != nil {
		return nil, err
	}
	return &models.DrawResult{CompetitionSlug: slug, Winners: winners, AlreadyDrawn: true}, nil
}

// Winners returns the stored winners of slug, empty before the draw.
func (s *DrawService) Winners(ctx context.Context, slug string) ([]models.WinnerRecord, error) {
	var cached []models.WinnerRecord
	if hit, _ := s.cache.GetJSON(ctx, cache.WinnersKey(slug), &cached); hit {
		return cached, nil
	}
	winners, err := store.ListWinners(ctx, s.store.DB(), slug)
	if err != nil {
		return nil, classify(err, "list winners")
	}
	if len(winners) > 0 {
		if err := s.cache.SetJSON(ctx, cache.WinnersKey(slug), winners); err != nil {
			logger.Warningf("[Draw] cache winners failed: competition=%s err=%v", slug, err)
		}
	}
	return winners, nil
}

// ticketPool is the virtual list of every ticket number in a competition, one
// slot per ticket, backed by the entries' ranges instead of a materialized
// slice.
type ticketPool struct {
	entries []models.TicketEntry
	offsets []int64 // offsets[i] is the pool index of entries[i].RangeStart
	size    int64
}

func newTicketPool(entries []models.TicketEntry) *ticketPool {
	sort.Slice(entries, func(i, j int) bool { return entries[i].RangeStart < entries[j].RangeStart })
	p := &ticketPool{entries: entries, offsets: make([]int64, len(entries))}
	for i, e := range entries {
		p.offsets[i] = p.size
		p.size += e.TicketRange().Size()
	}
	return p
}

// at maps a pool index to its ticket number and owner.
func (p *ticketPool) at(idx int64) (int64, string) {
	i := sort.Search(len(p.offsets), func(i int) bool { return p.offsets[i] > idx }) - 1
	e := p.entries[i]
	return e.RangeStart + (idx - p.offsets[i]), e.Owner
}

// pick runs the first n steps of a Fisher-Yates shuffle over the pool and
// returns those slots as winners 1..n. Swaps are tracked sparsely so memory
// is O(n) regardless of the pool size.
func (p *ticketPool) pick(r *rand.Rand, n int) []models.WinnerRecord {
	k := min(int64(n), p.size)
	if k <= 0 {
		return []models.WinnerRecord{}
	}
	swapped := make(map[int64]int64, k*2)
	slot := func(i int64) int64 {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}

	winners := make([]models.WinnerRecord, 0, k)
	for i := int64(0); i < k; i++ {
		j := i + r.Int64N(p.size-i)
		vi, vj := slot(i), slot(j)
		swapped[i], swapped[j] = vj, vi

		number, owner := p.at(vj)
		winners = append(winners, models.WinnerRecord{
			Position:     int(i) + 1,
			Owner:        owner,
			TicketNumber: number,
		})
	}
	return winners
}
