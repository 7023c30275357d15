package tools

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// limiter enforces the per-tool concurrency and rate limits. A nil rate or
// semaphore means that dimension is unbounded.
type limiter struct {
	rate *rate.Limiter
	sem  chan struct{}
}

func newLimiter(p *LimitPolicy) *limiter {
	l := &limiter{}
	if p.RatePerSecond > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
	}
	if p.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, p.MaxConcurrent)
	}
	return l
}

// acquire takes a concurrency slot and a rate token, waiting up to the
// policy's wait budget. It returns the release func for the slot, or
// tool_limit_exceeded when the budget runs out.
func (l *limiter) acquire(ctx context.Context, wait time.Duration) (func(), error) {
	release := func() {}
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		default:
			if wait <= 0 {
				return nil, NewError(KindLimitExceeded, "concurrency limit reached")
			}
			timer := time.NewTimer(wait)
			select {
			case l.sem <- struct{}{}:
				timer.Stop()
			case <-timer.C:
				return nil, NewError(KindLimitExceeded, "timed out waiting for concurrency slot")
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		release = func() { <-l.sem }
	}
	if l.rate != nil {
		if wait <= 0 {
			if !l.rate.Allow() {
				release()
				return nil, NewError(KindLimitExceeded, "rate limit reached")
			}
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, wait)
			err := l.rate.Wait(waitCtx)
			cancel()
			if err != nil {
				release()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, WrapError(KindLimitExceeded, err, "timed out waiting for rate token")
			}
		}
	}
	return release, nil
}
