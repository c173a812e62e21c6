// Package governor bounds the number of in-flight LLM calls.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultLimit            = 10
	DefaultAdmissionTimeout = 30 * time.Second
)

// Config configures a Governor. Zero values select the defaults.
type Config struct {
	// Limit is the maximum number of concurrent calls.
	Limit int
	// AdmissionTimeout bounds how long a call waits for a slot.
	AdmissionTimeout time.Duration
	// RequestsPerMinute paces admissions (0 = unlimited).
	RequestsPerMinute int
	// Burst allows temporary bursts above the request rate.
	Burst int
}

// Governor is a counting semaphore with an admission deadline.
type Governor struct {
	sem      *semaphore.Weighted
	limit    int
	timeout  time.Duration
	limiter  *rate.Limiter
	inFlight atomic.Int64
}

// New creates a Governor.
func New(cfg Config) *Governor {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = DefaultAdmissionTimeout
	}
	g := &Governor{
		sem:     semaphore.NewWeighted(int64(cfg.Limit)),
		limit:   cfg.Limit,
		timeout: cfg.AdmissionTimeout,
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, cfg.RequestsPerMinute/6) // ~10 second burst
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}
	return g
}

// Acquire blocks until a slot is free. It returns a backpressure error when
// the admission timeout elapses first, and the context error when ctx ends.
// The returned release func is safe to call more than once.
func (g *Governor) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	admitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(admitCtx, 1); err != nil {
		return nil, g.admissionError(ctx, start)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			g.sem.Release(1)
		})
	}
	g.inFlight.Add(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(admitCtx); err != nil {
			release()
			return nil, g.admissionError(ctx, start)
		}
	}
	return release, nil
}

func (g *Governor) admissionError(ctx context.Context, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return llm.NewBackpressureError(time.Since(start).Round(time.Millisecond), g.limit)
}

// InFlight returns the number of held slots.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// Limit returns the slot count.
func (g *Governor) Limit() int {
	return g.limit
}

// IsBackpressure reports whether err came from a failed admission.
func IsBackpressure(err error) bool {
	return errors.Is(err, llm.ErrBackpressure)
}
