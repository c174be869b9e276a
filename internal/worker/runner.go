package worker

import (
	"context"

	"github.com/google/logger"
	"github.com/robfig/cron/v3"
)

// Runner schedules periodic jobs on a seconds-resolution cron.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// NewRunner creates a Runner whose jobs receive baseCtx.
func NewRunner(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		baseCtx: baseCtx,
	}
}

// Add schedules job under spec, e.g. "0 */5 * * * *".
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		logger.Infof("[Cron] run %s", name)
		job(r.baseCtx)
	})
}

// Start begins running scheduled jobs.
func (r *Runner) Start() {
	logger.Info("[Cron] started")
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	logger.Info("[Cron] stopped")
}
