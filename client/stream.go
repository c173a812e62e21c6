package client

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Stream is a lazy, finite, non-restartable sequence of chunks. Exactly one
// terminal chunk (non-empty FinishReason) is produced and it is always last.
// A Stream must be closed, or drained to its terminal chunk.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	adapter llm.Adapter
	events  llm.EventStream
	span    trace.Span
	logger  zerolog.Logger
	release func()
	start   time.Time

	// pending is the first event, read while the attempt was still retryable.
	pending *llm.StreamEvent

	chunk    llm.Chunk
	index    int
	finish   llm.FinishReason
	usage    *llm.Usage
	attempts int
	done     bool
	err      error

	mu        sync.Mutex
	closeOnce sync.Once
}

// opened is the outcome of one successful stream attempt.
type opened struct {
	events   llm.EventStream
	first    llm.StreamEvent
	attempts int
}

// Stream starts a streamed chat. The returned error covers admission,
// opening the stream and reading the first event, all under the retry
// policy. Later failures are reported through a terminal error chunk and Err.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) (*Stream, error) {
	if len(messages) == 0 {
		return nil, c.finish(llm.NewValidationError("messages must not be empty"))
	}
	call := c.resolve(opts)
	ctx, span, l := c.begin(ctx, "stream", call)
	start := time.Now()

	release, err := c.gov.Acquire(ctx)
	if err != nil {
		err = c.fail(span, l, c.finish(err))
		span.End()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	o, err := retry.Do(streamCtx, c.retryPolicy(call, &l), func(ctx context.Context, attempt int) (*opened, error) {
		return c.open(ctx, messages, call, attempt)
	})
	if err != nil {
		cancel()
		release()
		err = c.fail(span, l, c.finish(err))
		span.End()
		return nil, err
	}

	l.Debug().Int("attempts", o.attempts).Msg("stream opened")
	first := o.first
	return &Stream{
		ctx:      streamCtx,
		cancel:   cancel,
		adapter:  c.adapter,
		events:   o.events,
		span:     span,
		logger:   l,
		release:  release,
		start:    start,
		pending:  &first,
		attempts: o.attempts,
	}, nil
}

// open performs one attempt: send the request and read up to the first
// event that carries something for the caller.
func (c *Client) open(ctx context.Context, messages []llm.Message, call llm.CallOptions, attempt int) (*opened, error) {
	req, err := c.adapter.BuildRequest(messages, call, true)
	if err != nil {
		return nil, err
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	wire, err := c.exec.Execute(attemptCtx, req)
	if err != nil {
		cancel()
		return nil, callError(ctx, err)
	}
	if !wire.OK() {
		cancel()
		debugPayload(ctx, wire.Body)
		return nil, llm.ErrorFromResponse(c.adapter, wire)
	}
	if wire.Events == nil {
		cancel()
		return nil, llm.NewProtocolError("response is not a stream", nil)
	}

	events := &cancelOnClose{EventStream: wire.Events, cancel: cancel}
	first, err := nextEvent(ctx, c.adapter, events)
	if err != nil {
		_ = events.Close()
		if errors.Is(err, io.EOF) {
			return nil, llm.NewProtocolError("stream ended before any event", nil)
		}
		return nil, callError(ctx, err)
	}
	return &opened{events: events, first: first, attempts: attempt}, nil
}

// cancelOnClose releases the attempt context together with the stream.
type cancelOnClose struct {
	llm.EventStream
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.EventStream.Close()
	c.cancel()
	return err
}

// nextEvent reads raw events until the adapter yields one that is not skipped.
func nextEvent(ctx context.Context, a llm.Adapter, events llm.EventStream) (llm.StreamEvent, error) {
	for {
		raw, err := events.Next()
		if err != nil {
			return llm.StreamEvent{}, err
		}
		debugPayload(ctx, raw.Data)
		ev, err := a.ParseStreamEvent(raw)
		if err != nil {
			return llm.StreamEvent{}, err
		}
		if !ev.Skip {
			return ev, nil
		}
	}
}

// Next advances to the next chunk. It returns false once the terminal chunk
// has been consumed or the stream was closed.
func (s *Stream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}

	for {
		if err := s.ctx.Err(); err != nil {
			s.terminate(err)
			return true
		}
		var (
			ev  llm.StreamEvent
			err error
		)
		if s.pending != nil {
			ev, s.pending = *s.pending, nil
		} else {
			ev, err = nextEvent(s.ctx, s.adapter, s.events)
		}
		if err != nil {
			s.terminate(s.streamError(err))
			return true
		}

		if ev.Usage != nil {
			s.usage = ev.Usage
		}
		if ev.FinishReason != "" {
			s.finish = ev.FinishReason
		}
		if ev.Done {
			finish := s.finish
			if finish == "" {
				finish = llm.FinishReasonStop
			}
			s.emit(llm.Chunk{Delta: ev.Delta, FinishReason: finish, Usage: s.usage})
			s.closeLocked(nil)
			return true
		}
		if ev.Delta == "" {
			continue
		}
		s.emit(llm.Chunk{Delta: ev.Delta})
		return true
	}
}

// streamError turns a mid-stream failure into the error reported by Err.
func (s *Stream) streamError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) {
		return llm.NewProtocolError("stream ended without a completion event", nil)
	}
	var e *llm.Error
	if errors.As(err, &e) {
		return err
	}
	return llm.NewTransportError(err)
}

func (s *Stream) emit(ch llm.Chunk) {
	ch.Index = s.index
	s.index++
	s.chunk = ch
}

// terminate emits the terminal error chunk and ends the stream.
func (s *Stream) terminate(err error) {
	var e *llm.Error
	if errors.As(err, &e) && e.Attempts == 0 {
		e.Attempts = s.attempts
	}
	s.err = err
	s.emit(llm.Chunk{FinishReason: llm.FinishReasonError})
	s.closeLocked(err)
}

// Chunk returns the chunk produced by the last successful Next.
func (s *Stream) Chunk() llm.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunk
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the stream and releases its concurrency slot. It is safe to
// call more than once and after the stream finished.
func (s *Stream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(nil)
	return nil
}

func (s *Stream) closeLocked(err error) {
	s.done = true
	s.closeOnce.Do(func() {
		_ = s.events.Close()
		s.cancel()
		s.release()

		s.span.SetAttributes(
			attribute.Int("llm.attempts", s.attempts),
			attribute.Int("llm.chunks", s.index),
			attribute.Int64("llm.duration_ms", time.Since(s.start).Milliseconds()),
		)
		if err != nil {
			recordError(s.span, err)
			s.logger.Warn().Err(err).Int("chunks", s.index).Msg("stream failed")
		} else {
			s.logger.Debug().Int("chunks", s.index).Msg("stream finished")
		}
		s.span.End()
	})
}

// All returns an iterator over the remaining chunks. The terminal chunk is
// paired with Err. Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[llm.Chunk, error] {
	return func(yield func(llm.Chunk, error) bool) {
		defer s.Close()
		for s.Next() {
			ch := s.Chunk()
			var err error
			if ch.Terminal() {
				err = s.Err()
			}
			if !yield(ch, err) {
				return
			}
		}
	}
}

// Collect drains the stream into a Response. The stream is closed on return.
func (s *Stream) Collect() (*llm.Response, error) {
	defer s.Close()
	var (
		resp llm.Response
		text []byte
	)
	for s.Next() {
		ch := s.Chunk()
		text = append(text, ch.Delta...)
		if ch.Terminal() {
			resp.FinishReason = ch.FinishReason
			resp.Usage = ch.Usage
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	resp.Content = string(text)
	resp.Attempts = s.attempts
	return &resp, nil
}
