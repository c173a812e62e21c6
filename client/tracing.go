package client

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of client spans.
const TracerName = "github.com/aschepis/backscratcher/unillm"

// defaultTracer uses the global provider, a no-op unless the host installs one.
func defaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

func (c *Client) startSpan(ctx context.Context, op, model string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "llm."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", c.name),
			attribute.String("llm.model", model),
		),
	)
}

// recordResponse records usage and attempts on a successful chat span.
func recordResponse(span trace.Span, resp *llm.Response, d time.Duration) {
	span.SetAttributes(
		attribute.Int("llm.attempts", resp.Attempts),
		attribute.String("llm.finish_reason", string(resp.FinishReason)),
		attribute.Int64("llm.duration_ms", d.Milliseconds()),
	)
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.output_tokens", resp.Usage.CompletionTokens),
			attribute.Int("llm.total_tokens", resp.Usage.TotalTokens),
		)
	}
}

// recordError records an error on a span.
func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if attempts := llm.AttemptsOf(err); attempts > 0 {
		span.SetAttributes(attribute.Int("llm.attempts", attempts))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
