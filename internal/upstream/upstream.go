// Package upstream wraps the embedding, search and generation capabilities
// with per-call timeouts, a single retry for idempotent reads and circuit
// breakers. Every final failure is reported as UpstreamUnavailable.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dvloznov/fare-ledger/internal/domain"
	"github.com/dvloznov/fare-ledger/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Capability names used in metrics and breaker names.
const (
	CapabilityEmbed    = "embed"
	CapabilitySearch   = "search"
	CapabilityUpsert   = "upsert"
	CapabilityGenerate = "generate"
	CapabilityExtract  = "extract"
)

// Policy configures one wrapped capability.
type Policy struct {
	Timeout time.Duration
	// Retries is the number of extra attempts after the first.
	Retries      int
	InitialDelay time.Duration
}

// newBreaker trips after repeated failures and probes again after 30s.
func newBreaker(name string, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// call runs fn under the breaker with a per-attempt timeout, retrying
// according to p. Context cancellation by the caller is never retried.
func call[T any](ctx context.Context, capability string, p Policy, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	attempt := func() (T, error) {
		res, err := cb.Execute(func() (interface{}, error) {
			actx, cancel := withTimeout(ctx, p.Timeout)
			defer cancel()
			return fn(actx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return res.(T), nil
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	res, err := backoff.RetryWithData(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.UpstreamDuration.WithLabelValues(capability, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return zero, domain.E(domain.KindUpstreamUnavailable, "upstream."+capability, err)
	}
	return res, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
