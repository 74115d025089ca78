package llm

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// ErrPermanent marks a gateway failure that retrying cannot fix.
var ErrPermanent = goerr.New("permanent gateway failure")

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// Resilient bounds every gateway call with a per-attempt timeout and retries
// failed attempts with exponential backoff.
type Resilient struct {
	next        interfaces.LLMGateway
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

var _ interfaces.LLMGateway = &Resilient{}

type ResilientOption func(*Resilient)

func WithTimeout(d time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.timeout = d
	}
}

func WithMaxAttempts(n int) ResilientOption {
	return func(r *Resilient) {
		r.maxAttempts = n
	}
}

func WithBaseDelay(d time.Duration) ResilientOption {
	return func(r *Resilient) {
		r.baseDelay = d
	}
}

func NewResilient(next interfaces.LLMGateway, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:        next,
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

func retry[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return zero, goerr.Wrap(ctx.Err(), "gateway call canceled", goerr.V("op", op), goerr.V("attempt", attempt))
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		result, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			break
		}
		logging.From(ctx).Debug("gateway call failed, retrying",
			"op", op, "attempt", attempt+1, "max", r.maxAttempts, "error", err)
	}

	return zero, goerr.Wrap(lastErr, "gateway call failed", goerr.V("op", op), goerr.V("attempts", r.maxAttempts))
}

func (r *Resilient) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	return retry(ctx, r, "generate", func(ctx context.Context) (*interfaces.GenerateOutput, error) {
		return r.next.Generate(ctx, input)
	})
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	return retry(ctx, r, "embed", func(ctx context.Context) ([]float32, error) {
		return r.next.Embed(ctx, text)
	})
}

func (r *Resilient) ClassifyIntent(ctx context.Context, message, priorContext string) (string, error) {
	return retry(ctx, r, "classify", func(ctx context.Context) (string, error) {
		return r.next.ClassifyIntent(ctx, message, priorContext)
	})
}
