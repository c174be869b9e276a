package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/logger"

	"raffle/internal/config"
	"raffle/internal/metrics"
	"raffle/internal/store"
)

// Hook handles one outbox event. Delivery is at least once, so hooks must
// tolerate seeing the same row again.
type Hook interface {
	Handle(ctx context.Context, row store.OutboxRow) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, row store.OutboxRow) error

func (f HookFunc) Handle(ctx context.Context, row store.OutboxRow) error { return f(ctx, row) }

// Dispatcher drains the outbox table into registered hooks. A row is marked
// sent once every hook for its topic succeeded; otherwise its retry count is
// bumped until it is parked as failed.
type Dispatcher struct {
	store      *store.Store
	interval   time.Duration
	batchSize  int
	maxRetries int

	mu     sync.RWMutex
	hooks  map[string][]Hook
	global []Hook
}

// NewDispatcher creates a Dispatcher, filling unset config with defaults.
func NewDispatcher(st *store.Store, cfg config.OutboxConfig) *Dispatcher {
	d := &Dispatcher{
		store:      st,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		hooks:      make(map[string][]Hook),
	}
	if d.interval <= 0 {
		d.interval = time.Second
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	if d.maxRetries <= 0 {
		d.maxRetries = 10
	}
	return d
}

// On registers h for topic.
func (d *Dispatcher) On(topic string, h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[topic] = append(d.hooks[topic], h)
}

// OnAll registers h for every topic.
func (d *Dispatcher) OnAll(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = append(d.global, h)
}

func (d *Dispatcher) hooksFor(topic string) []Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hs := make([]Hook, 0, len(d.hooks[topic])+len(d.global))
	hs = append(hs, d.hooks[topic]...)
	return append(hs, d.global...)
}

// Start polls the outbox every interval until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
					logger.Warningf("[Outbox] list pending failed: %v", err)
				}
			}
		}
	}()
}

// DispatchOnce delivers one batch and returns how many rows were sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	rows, err := store.ListOutboxPending(c, d.store.DB(), d.batchSize, d.maxRetries)
	cancel()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range rows {
		if ctx.Err() != nil {
			return sent, nil
		}
		if err := d.deliver(ctx, r); err != nil {
			result := "retry"
			if r.RetryCount+1 >= d.maxRetries {
				result = "dead"
			}
			metrics.RecordOutbox(r.Topic, result)
			logger.Warningf("[Outbox] delivery failed: id=%s topic=%s key=%s attempt=%d err=%v",
				r.ID, r.Topic, r.BizKey, r.RetryCount+1, err)
			if err := store.MarkOutboxFailed(ctx, d.store.DB(), r.ID, truncateErr(err), d.maxRetries); err != nil {
				logger.Warningf("[Outbox] mark failed failed: id=%s err=%v", r.ID, err)
			}
			continue
		}
		if err := store.MarkOutboxSent(ctx, d.store.DB(), r.ID); err != nil {
			logger.Warningf("[Outbox] mark sent failed: id=%s err=%v", r.ID, err)
			continue
		}
		metrics.RecordOutbox(r.Topic, "sent")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, r store.OutboxRow) error {
	for _, h := range d.hooksFor(r.Topic) {
		if err := h.Handle(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func truncateErr(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	if len(b) > 240 {
		return string(b[:240])
	}
	return string(b)
}
