package llm

import (
	"context"
	"log/slog"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 10
	DefaultBackoffUnit = time.Second
)

// RetryClient wraps a Provider with bounded retries. After failed
// attempt i (0-indexed) it waits 2^(i+2) backoff units before trying
// again. Rate-limited and transient failures are retried alike; fatal
// failures are returned at once.
type RetryClient struct {
	provider    Provider
	maxAttempts int
	unit        time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// RetryOption configures a RetryClient.
type RetryOption func(*RetryClient)

// WithMaxAttempts sets the attempt budget. Values below 1 are ignored.
func WithMaxAttempts(n int) RetryOption {
	return func(r *RetryClient) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoffUnit sets the base backoff unit.
func WithBackoffUnit(d time.Duration) RetryOption {
	return func(r *RetryClient) { r.unit = d }
}

// NewRetryClient wraps provider with the retry policy.
func NewRetryClient(provider Provider, logger *slog.Logger, opts ...RetryOption) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RetryClient{
		provider:    provider,
		maxAttempts: DefaultMaxAttempts,
		unit:        DefaultBackoffUnit,
		logger:      logger,
		sleep:       sleepContext,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Backoff returns the wait after failed attempt (0-indexed).
func (r *RetryClient) Backoff(attempt int) time.Duration {
	return time.Duration(1<<(attempt+2)) * r.unit
}

// Complete calls the wrapped provider under the retry policy.
func (r *RetryClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return retry(ctx, r, "complete", func(ctx context.Context) (string, error) {
		return r.provider.Complete(ctx, req)
	})
}

// Embed calls the wrapped provider under the retry policy.
func (r *RetryClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, r, "embed", func(ctx context.Context) ([]float32, error) {
		return r.provider.Embed(ctx, text)
	})
}

// Ping is passed through without retries.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.provider.Ping(ctx)
}

func retry[T any](ctx context.Context, r *RetryClient, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("provider call succeeded after retry", "op", op, "attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		kind := KindOf(err)
		if kind == KindFatal {
			return zero, err
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		wait := r.Backoff(attempt)
		r.logger.Warn("provider call failed, retrying",
			"op", op,
			"kind", kind.String(),
			"attempt", attempt+1,
			"max_attempts", r.maxAttempts,
			"wait", wait,
			"error", err,
		)
		if err := r.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	r.logger.Error("provider call gave up", "op", op, "attempts", r.maxAttempts, "error", lastErr)
	return zero, &ServiceUnavailableError{Attempts: r.maxAttempts, Last: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
