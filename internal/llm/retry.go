package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
)

// Retrying retries Transient failures of the wrapped port with exponential
// backoff. When retries run out the last failure is escalated to Permanent.
type Retrying struct {
	port    Port
	retries int
	backoff time.Duration
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps port. retries is the number of extra attempts after the
// first; backoff is the wait before the first retry and doubles afterwards.
func WithRetry(port Port, retries int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if retries < 0 {
		retries = 0
	}
	return &Retrying{port: port, retries: retries, backoff: backoff, logger: slogutil.OrDiscard(logger), sleep: sleepCtx}
}

// Name implements Port.
func (r *Retrying) Name() string { return r.port.Name() }

// Generate implements Port.
func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	wait := r.backoff
	for attempt := 0; ; attempt++ {
		out, err := r.port.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		err = Classify(ctx, err)
		if !apmerr.Is(err, apmerr.Transient) {
			return "", err
		}
		if attempt >= r.retries {
			r.logger.Warn("llm retries exhausted", "phase", req.Phase, "task", req.Task, "attempts", attempt+1, "error", err)
			return "", apmerr.Wrap(apmerr.Permanent, err, "retries exhausted")
		}
		r.logger.Debug("llm transient failure, retrying", "phase", req.Phase, "task", req.Task, "attempt", attempt+1, "wait", wait)
		if err := r.sleep(ctx, wait); err != nil {
			return "", FromContext(err)
		}
		wait *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
