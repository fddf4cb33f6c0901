package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
)

// triggerSettle is how long Run waits after a change notification for
// more notifications before starting a pass.
const triggerSettle = time.Second

// Triggers coalesces change notifications into a single pending signal.
type Triggers struct {
	ch chan struct{}
}

// NewTriggers returns an empty trigger set.
func NewTriggers() *Triggers {
	return &Triggers{ch: make(chan struct{}, 1)}
}

// Notify requests a pass. It never blocks.
func (t *Triggers) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C returns the channel Run waits on.
func (t *Triggers) C() <-chan struct{} {
	return t.ch
}

// Run performs a pass immediately, then on every trigger and every
// interval until ctx is cancelled. A failed pass is logged and retried on
// the next tick, or after retryDelay when the server reported the failure
// as temporary; only a journal failure stops the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration, triggers *Triggers) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		again, err := e.runPass(ctx)
		if err != nil {
			return err
		}

		var retry <-chan time.Time
		if again {
			e.logger.Info("transient failures, retrying early", slog.Duration("after", e.retryDelay))
			retry = time.After(e.retryDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-retry:
		case <-triggers.C():
			if !settle(ctx, triggers) {
				return ctx.Err()
			}
		}
	}
}

// settle waits until no trigger arrived for triggerSettle. It returns
// false if ctx was cancelled meanwhile.
func settle(ctx context.Context, triggers *Triggers) bool {
	timer := time.NewTimer(triggerSettle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-triggers.C():
			timer.Reset(triggerSettle)
		case <-timer.C:
			return true
		}
	}
}

// runPass runs one pass and reports whether it should be repeated before
// the next interval.
func (e *Engine) runPass(ctx context.Context) (bool, error) {
	res, err := e.Sync(ctx)

	switch {
	case err == nil:
		return res.Transient > 0, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, syncerrors.ErrJournalIO):
		return false, err
	default:
		e.logger.Warn("sync pass failed", slog.String("error", err.Error()))
		return remote.IsTransient(err), nil
	}
}
