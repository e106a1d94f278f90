// internal/orchestrator/orchestrator.go
// The orchestrator owns session lifecycles: it launches one supervisor per
// identity, bounds how many sessions run at once, and restarts failed
// sessions with exponential backoff. It never reaches into a session's
// conversations; everything it knows arrives through return values and the
// status reporter.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alitoori/marketbot/internal/config"
	"github.com/alitoori/marketbot/internal/errs"
	"github.com/alitoori/marketbot/internal/identity"
	"github.com/alitoori/marketbot/internal/status"
)

// Runner is one runnable session. Run blocks until the session stops; a nil
// error is a clean exit, *errs.AuthError is fatal for the identity, anything
// else is retryable within the restart budget.
type Runner interface {
	ID() string
	Run(ctx context.Context) error
}

// Factory builds a fresh Runner for an identity. It is called once per
// launch, including every restart, so each attempt gets a clean browser
// context.
type Factory func(ctx context.Context, ident identity.Identity) (Runner, error)

// Orchestrator supervises one session per identity under a global
// concurrency limit.
type Orchestrator struct {
	cfg      *config.Config
	factory  Factory
	reporter *status.Reporter
	logger   *zap.Logger
	sem      *semaphore.Weighted
}

func New(cfg *config.Config, factory Factory, reporter *status.Reporter, logger *zap.Logger) *Orchestrator {
	limit := int64(cfg.Engine.ConcurrencyLimit)
	if limit < 1 {
		limit = 1
	}
	return &Orchestrator{
		cfg:      cfg,
		factory:  factory,
		reporter: reporter,
		logger:   logger.Named("orchestrator"),
		sem:      semaphore.NewWeighted(limit),
	}
}

// Run supervises all identities until every supervisor has finished or ctx is
// cancelled. It returns ctx's error so callers can distinguish shutdown from
// natural completion.
func (o *Orchestrator) Run(ctx context.Context, idents []identity.Identity) error {
	o.logger.Info("Starting supervisors.",
		zap.Int("identities", len(idents)),
		zap.Int("concurrency_limit", o.cfg.Engine.ConcurrencyLimit))

	var wg sync.WaitGroup
	for _, ident := range idents {
		wg.Add(1)
		go func(ident identity.Identity) {
			defer wg.Done()
			o.supervise(ctx, ident)
		}(ident)
	}
	wg.Wait()
	return ctx.Err()
}

// supervise runs one identity's session, restarting on retryable failure
// until the restart budget is exhausted. The semaphore slot is held only
// while a session actually runs, so waiting-to-restart identities do not
// starve others.
func (o *Orchestrator) supervise(ctx context.Context, ident identity.Identity) {
	logger := o.logger.With(zap.String("identity", ident.ID))
	restarts := 0
	backoff := o.cfg.Engine.RestartBackoff

	for {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := o.launch(ctx, ident, logger)
		o.sem.Release(1)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info("Session exited cleanly.")
			return
		}

		var ae *errs.AuthError
		if errors.As(err, &ae) {
			// Retrying rejected credentials only risks an account lockout.
			logger.Error("Authentication rejected, identity abandoned.",
				zap.Int("attempts", ae.Attempts), zap.Error(err))
			o.reporter.MarkFailed(ident.ID)
			return
		}

		restarts++
		if restarts > o.cfg.Engine.MaxSessionRestarts {
			logger.Error("Restart budget exhausted, identity abandoned.",
				zap.Int("restarts", restarts-1), zap.Error(err))
			o.reporter.MarkFailed(ident.ID)
			return
		}

		o.reporter.RecordRestart(ident.ID)
		logger.Warn("Session failed, restarting.",
			zap.Int("restart", restarts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if max := o.cfg.Engine.MaxRestartBackoff; max > 0 && backoff > max {
			backoff = max
		}
	}
}

// launch builds and runs one session attempt.
func (o *Orchestrator) launch(ctx context.Context, ident identity.Identity, logger *zap.Logger) error {
	runner, err := o.factory(ctx, ident)
	if err != nil {
		return errs.Transient("launch session", err)
	}
	logger.Info("Session starting.", zap.String("session_id", runner.ID()))
	return runner.Run(ctx)
}

// sleepCtx waits d or until ctx is done; it reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
