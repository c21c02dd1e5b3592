package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// RetryPolicy retries transient storage failures with exponential backoff.
//
// Only errors matching [ErrTransientStorage] are retried. Everything else returns immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Logger    *log.Logger
}

// NewRetryPolicy builds a policy from the analysis tunables.
func NewRetryPolicy(cfg AnalysisConfig, logger *log.Logger) RetryPolicy {
	return RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryDelay(), Logger: logger}
}

// Delay returns the wait before the given retry (1-based): base, 2×base, 4×base...
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return p.BaseDelay << (retry - 1)
}

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
//
// The wait between attempts is interrupted by ctx.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("transient storage failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
