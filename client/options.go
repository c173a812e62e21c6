package client

import (
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/retry"
	"github.com/aschepis/backscratcher/unillm/logger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is logger.Default().
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.Component(l, "llm_client")
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithExecutor replaces the pooled HTTP transport, typically with a
// scripted executor in tests.
func WithExecutor(x Executor) Option {
	return func(c *Client) {
		c.exec = x
	}
}

// WithConcurrency bounds the number of in-flight calls and how long a call
// waits for a free slot.
func WithConcurrency(n int, admissionTimeout time.Duration) Option {
	return func(c *Client) {
		c.govCfg.Limit = n
		c.govCfg.AdmissionTimeout = admissionTimeout
	}
}

// WithRequestsPerMinute paces admissions to at most n per minute.
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) {
		c.govCfg.RequestsPerMinute = n
	}
}

// WithRetryPolicy sets jitter, the server error cap and the retry callback.
// The retry budget and delays come from the call options.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithDefaults overrides the client wide call defaults. Zero fields keep
// the built-in defaults.
func WithDefaults(o llm.CallOptions) Option {
	return func(c *Client) {
		merged := o
		if merged.Model == "" {
			merged.Model = c.defaults.Model
		}
		if merged.Temperature == nil {
			merged.Temperature = c.defaults.Temperature
		}
		if merged.Timeout == 0 {
			merged.Timeout = c.defaults.Timeout
		}
		if merged.MaxRetries == nil {
			merged.MaxRetries = c.defaults.MaxRetries
		}
		if merged.BaseDelay == 0 {
			merged.BaseDelay = c.defaults.BaseDelay
		}
		if merged.MaxDelay == 0 {
			merged.MaxDelay = c.defaults.MaxDelay
		}
		c.defaults = merged
	}
}
