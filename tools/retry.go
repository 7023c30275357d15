package tools

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// backoff returns the delay before the given retry (1-based): base *
// multiplier^(retry-1) capped at max, with jitter in [0.5, 1.5].
func (p RetryPolicy) backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := p.BaseDelayS * math.Pow(p.Multiplier, float64(retry-1))
	if delay > p.MaxDelayS {
		delay = p.MaxDelayS
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(delay * jitter * float64(time.Second))
}

// retryable reports whether the failure is transient under the policy:
// network errors, timeouts, HTTP statuses in the retry set, and configured
// error kinds.
func (p RetryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || IsKind(err, KindTimeout) {
		return true
	}
	if status := StatusCode(err); status != 0 {
		for _, s := range p.RetryOnStatus {
			if s == status {
				return true
			}
		}
		return false
	}
	if kind := KindOf(err); kind != "" {
		for _, k := range p.RetryOn {
			if strings.EqualFold(k, string(kind)) {
				return true
			}
		}
		return kind == KindExecution && len(p.RetryOn) == 0 && isNetworkMessage(err)
	}
	return false
}

// isNetworkMessage catches executor errors whose cause chains do not expose
// net.Error but read like transport failures.
func isNetworkMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "unexpected eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sleep waits for the delay or until the context ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
