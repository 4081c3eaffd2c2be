package stages

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/httpx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
)

// RetryPolicy bounds the attempts spent on one capability call.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
	Timeout     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinBackoff:  1 * time.Second,
		MaxBackoff:  30 * time.Second,
		JitterFrac:  0.2,
		Timeout:     60 * time.Second,
	}
}

func RetryPolicyFromEnv() RetryPolicy {
	d := DefaultRetryPolicy()
	return RetryPolicy{
		MaxAttempts: envutil.Int("INGEST_CAPABILITY_MAX_ATTEMPTS", d.MaxAttempts),
		MinBackoff:  envutil.Duration("INGEST_CAPABILITY_MIN_BACKOFF", d.MinBackoff),
		MaxBackoff:  envutil.Duration("INGEST_CAPABILITY_MAX_BACKOFF", d.MaxBackoff),
		JitterFrac:  envutil.Float("INGEST_CAPABILITY_JITTER", d.JitterFrac),
		Timeout:     envutil.Duration("INGEST_CAPABILITY_TIMEOUT", d.Timeout),
	}
}

// CallObserver is told about every capability attempt.
type CallObserver func(stage ingestion.Stage, outcome string, took time.Duration)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeInvalid = "invalid"
)

// permanentError stops retries.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// InvalidResponse marks a reply that arrived but failed shape checks. It is
// retried like any transient failure.
type InvalidResponse struct{ Err error }

func (e *InvalidResponse) Error() string { return "invalid capability response: " + e.Err.Error() }
func (e *InvalidResponse) Unwrap() error { return e.Err }

// Call runs fn under the policy. Each attempt gets its own timeout and is
// counted in usage. It returns the number of attempts made.
func Call[T any](ctx context.Context, p RetryPolicy, stage ingestion.Stage, usage *Usage, observe CallObserver, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}
		usage.Add(1)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		start := time.Now()
		out, err := fn(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			notify(observe, stage, OutcomeOK, time.Since(start))
			return out, attempt, nil
		}
		lastErr = err
		notify(observe, stage, outcomeOf(err, timedOut), time.Since(start))

		if !shouldRetry(ctx, err, timedOut) || attempt == maxAttempts {
			return zero, attempt, lastErr
		}
		if err := sleepCtx(ctx, computeBackoff(p, attempt)); err != nil {
			return zero, attempt, err
		}
	}
	return zero, maxAttempts, lastErr
}

func notify(observe CallObserver, stage ingestion.Stage, outcome string, took time.Duration) {
	if observe != nil {
		observe(stage, outcome, took)
	}
}

func outcomeOf(err error, timedOut bool) string {
	var inv *InvalidResponse
	switch {
	case timedOut:
		return OutcomeTimeout
	case errors.As(err, &inv):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

func shouldRetry(ctx context.Context, err error, timedOut bool) bool {
	if ctx.Err() != nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var inv *InvalidResponse
	if timedOut || errors.As(err, &inv) || httpx.IsRetryableError(err) {
		return true
	}
	if code, ok := httpx.StatusCode(err); ok {
		return httpx.IsRetryableHTTPStatus(code)
	}
	// Unclassified provider errors are retried; the budget still bounds them.
	return !errors.Is(err, context.Canceled)
}

func computeBackoff(p RetryPolicy, attempts int) time.Duration {
	if p.MinBackoff <= 0 {
		return 0
	}
	maxB := p.MaxBackoff
	if maxB <= 0 {
		maxB = p.MinBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(p.MinBackoff) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	return httpx.JitterSleep(d, p.JitterFrac)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
