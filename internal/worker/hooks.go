package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"raffle/internal/models"
	"raffle/internal/store"
)

// StreamPublisher forwards every outbox row to a Redis stream for the
// notification and analytics consumers.
type StreamPublisher struct {
	rdb    goredis.UniversalClient
	stream string
	maxLen int64
}

// NewStreamPublisher creates a StreamPublisher appending to stream.
func NewStreamPublisher(rdb goredis.UniversalClient, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Handle(ctx context.Context, row store.OutboxRow) error {
	err := p.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id": row.ID,
			"topic":    row.Topic,
			"key":      row.BizKey,
			"payload":  row.Payload,
		},
	}).Err()
	return errors.Wrap(err, "xadd")
}

// spendScript credits amount to an owner's running spend once per outbox row.
var spendScript = goredis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "EX", ARGV[3]) then
	return redis.call("HINCRBY", KEYS[2], ARGV[1], ARGV[2])
end
return -1`)

// SpendKey is the hash of owner -> total purchase amount for a competition.
func SpendKey(slug string) string { return "raffle:spend:" + slug }

// SpendHook keeps per-owner purchase totals that reward programs read.
type SpendHook struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

// NewSpendHook creates a new SpendHook.
func NewSpendHook(rdb goredis.UniversalClient) *SpendHook {
	return &SpendHook{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func (h *SpendHook) Handle(ctx context.Context, row store.OutboxRow) error {
	var ev models.SettledEvent
	if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
		logger.Warningf("[Outbox] spend: undecodable payload id=%s err=%v", row.ID, err)
		return nil
	}
	if ev.Provenance != models.ProvenancePurchase || ev.Amount <= 0 {
		return nil
	}
	keys := []string{"raffle:spend:seen:" + row.ID, SpendKey(ev.CompetitionSlug)}
	err := spendScript.Run(ctx, h.rdb, keys, ev.Owner, ev.Amount, int64(h.ttl/time.Second)).Err()
	return errors.Wrap(err, "credit spend")
}

// Drawer runs the one-shot winner draw.
type Drawer interface {
	DrawWinners(ctx context.Context, slug string) (*models.DrawResult, error)
}

// StageHook advances a competition whose stock ran out straight to its draw.
type StageHook struct {
	drawer Drawer
}

// NewStageHook creates a StageHook that draws through d.
func NewStageHook(d Drawer) *StageHook { return &StageHook{drawer: d} }

func (h *StageHook) Handle(ctx context.Context, row store.OutboxRow) error {
	res, err := h.drawer.DrawWinners(ctx, row.BizKey)
	if err != nil {
		return err
	}
	if !res.AlreadyDrawn {
		logger.Infof("[Outbox] sold out, drawn: competition=%s winners=%d", row.BizKey, len(res.Winners))
	}
	return nil
}
