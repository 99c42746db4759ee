// Package orchestrator fans one worker out per camera and joins them on
// shutdown.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is a long-lived per-camera task. Run must return once ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context)
}

// Orchestrator starts every registered runner concurrently and waits for
// all of them. Cameras are fully independent; one camera failing never
// affects another.
type Orchestrator struct {
	runners []Runner
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.Named("orchestrator")}
}

// Add registers a runner. Not safe to call after Run.
func (o *Orchestrator) Add(r Runner) {
	o.runners = append(o.runners, r)
}

// Run blocks until every runner has returned. Cancellation of ctx is the
// only shutdown signal; in-flight work is allowed to finish on its own.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("starting camera workers", zap.Int("count", len(o.runners)))

	var wg sync.WaitGroup
	for _, r := range o.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()

	o.logger.Info("all camera workers stopped")
}
