package reasoner

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/BaSui01/layerflow/types"
)

// RateLimited throttles calls to the wrapped reasoner.
type RateLimited struct {
	next    Reasoner
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
// A non-positive rps disables throttling.
func NewRateLimited(next Reasoner, rps float64, burst int) *RateLimited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Reason waits for a token, then calls the wrapped reasoner.
func (r *RateLimited) Reason(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, types.NewError(types.ErrRateLimited, "reasoner rate limit wait aborted").
			WithCause(err).
			WithRetryable(true)
	}
	return r.next.Reason(ctx, req)
}
