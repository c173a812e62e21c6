// Package retry re-attempts LLM calls according to the error taxonomy in
// package llm: rate limits and transient server errors back off
// exponentially, protocol errors get one more try, everything else is fatal.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultServerMaxDelay caps the backoff for transient 5xx responses.
	DefaultServerMaxDelay = 10 * time.Second
	// StandardMultiplier is the growth factor between consecutive delays.
	StandardMultiplier = 2.0
)

// Callback is invoked before each backoff wait.
type Callback func(kind llm.ErrorKind, attempt int, delay time.Duration)

// Policy configures a retried call.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// ServerMaxDelay caps delays after 5xx responses. Zero means min(10s, MaxDelay).
	ServerMaxDelay time.Duration
	// Jitter is the backoff randomization factor in [0, 1). Zero keeps the schedule deterministic.
	Jitter  float64
	OnRetry Callback
	Logger  *zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// PolicyFrom builds a policy from resolved call options.
func PolicyFrom(opts llm.CallOptions) Policy {
	p := Policy{
		MaxRetries: opts.Retries(),
		BaseDelay:  opts.BaseDelay,
		MaxDelay:   opts.MaxDelay,
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = llm.DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = llm.DefaultMaxDelay
	}
	return p
}

func (p Policy) serverCap() time.Duration {
	if p.ServerMaxDelay > 0 {
		return min(p.ServerMaxDelay, p.MaxDelay)
	}
	return min(DefaultServerMaxDelay, p.MaxDelay)
}

// newBackOff creates the exponential schedule base, 2*base, 4*base, ... capped at maxDelay.
func newBackOff(base, maxDelay time.Duration, jitter float64) *backoff.ExponentialBackOff {
	if maxDelay > 0 && base > maxDelay {
		base = maxDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = StandardMultiplier
	eb.RandomizationFactor = jitter
	eb.MaxInterval = maxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delays returns the first n delays of the rate limit schedule. It exists
// for diagnostics and tests.
func (p Policy) Delays(n int) []time.Duration {
	eb := newBackOff(p.BaseDelay, p.MaxDelay, p.Jitter)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = eb.NextBackOff()
	}
	return out
}

// Do calls fn until it succeeds, fails fatally, or the retry budget is spent.
// attempt starts at 1. The returned error is an *llm.Error carrying the
// number of attempts, or the context error if ctx ended first.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	l := logger.Default()
	if p.Logger != nil {
		l = *p.Logger
	}
	l = logger.Component(l, "retry")
	if p.MaxDelay <= 0 {
		p.MaxDelay = llm.DefaultMaxDelay
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = WaitForRetry
	}

	rateBackOff := newBackOff(p.BaseDelay, p.MaxDelay, p.Jitter)
	serverBackOff := newBackOff(p.BaseDelay, p.serverCap(), p.Jitter)
	protocolRetried := false
	retries := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		var callErr *llm.Error
		if !errors.As(err, &callErr) {
			return zero, err
		}
		e := *callErr
		e.Attempts = attempt

		var delay time.Duration
		switch e.Kind {
		case llm.KindRateLimit:
			delay = rateBackOff.NextBackOff()
			if e.RetryAfter != nil {
				delay = min(*e.RetryAfter, p.MaxDelay)
			}
		case llm.KindServer:
			delay = serverBackOff.NextBackOff()
		case llm.KindProtocol:
			if protocolRetried {
				return zero, &e
			}
			protocolRetried = true
		case llm.KindTransport:
			// The transport already retried what was safe to retry.
			e.Kind = llm.KindAPI
			return zero, &e
		default:
			return zero, &e
		}

		if retries >= p.MaxRetries {
			if e.Kind == llm.KindServer {
				e.Kind = llm.KindAPI
			}
			l.Warn().
				Str("kind", string(callErr.Kind)).
				Int("attempts", attempt).
				Msg("retry budget exhausted")
			return zero, &e
		}
		retries++

		l.Debug().
			Str("kind", string(e.Kind)).
			Int("attempt", attempt).
			Int("max_retries", p.MaxRetries).
			Dur("next_delay", delay).
			Msg("retrying after delay")
		if p.OnRetry != nil {
			p.OnRetry(e.Kind, attempt, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// WaitForRetry waits for the specified delay, respecting context cancellation.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
