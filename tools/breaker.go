package tools

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"goa.design/flow/telemetry"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// breaker wraps a gobreaker circuit around one tool. tripCode is set by the
// wrapped call when the failure matches ErrorCodesToTrip so ReadyToTrip can
// open immediately regardless of the consecutive-failure count.
type breaker struct {
	cb       *gobreaker.CircuitBreaker
	tripCode atomic.Bool
}

func newBreaker(name string, p *BreakerPolicy, logger telemetry.Logger, metrics telemetry.Metrics) *breaker {
	threshold := uint32(defaultFailureThreshold)
	if p.FailureThreshold > 0 {
		threshold = uint32(p.FailureThreshold)
	}
	recovery := defaultRecoveryTimeout
	if p.RecoveryTimeoutS > 0 {
		recovery = time.Duration(p.RecoveryTimeoutS * float64(time.Second))
	}
	probes := uint32(1)
	if p.HalfOpenMaxCalls > 0 {
		probes = uint32(p.HalfOpenMaxCalls)
	}
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: probes,
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if b.tripCode.Swap(false) {
				return true
			}
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info(context.Background(), "circuit state change",
				"tool", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.IncCounter(telemetry.MetricBreakerOpens, 1, "tool", name)
			}
		},
	})
	return b
}

// execute runs fn through the circuit. Open-state and probe-budget rejections
// surface as circuit_open without invoking fn.
func (b *breaker) execute(tripCodes []string, fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(func() (any, error) {
		out, err := fn()
		if err != nil && matchesTripCode(err, tripCodes) {
			b.tripCode.Store(true)
		}
		return out, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, WrapError(KindCircuitOpen, err, "circuit open")
	}
	return out, err
}

// matchesTripCode compares the error against configured trip codes by kind,
// detail code, and HTTP status.
func matchesTripCode(err error, codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	kind := string(KindOf(err))
	detail := ""
	var terr *Error
	if errors.As(err, &terr) {
		if c, ok := terr.Details["code"].(string); ok {
			detail = c
		}
	}
	status := StatusCode(err)
	for _, code := range codes {
		if strings.EqualFold(code, kind) || strings.EqualFold(code, detail) {
			return true
		}
		if status != 0 && code == strconv.Itoa(status) {
			return true
		}
	}
	return false
}
