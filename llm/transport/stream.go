package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/aschepis/backscratcher/unillm/llm"
)

// idleTimer cancels a stream whose read stays blocked for longer than its
// timeout. It only runs while a read is in progress, so time the caller
// spends between reads does not count. A nil *idleTimer is valid and does
// nothing.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	hit     atomic.Bool
}

// newIdleTimer returns an armed timer; it covers the wait for response headers.
func newIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	it := &idleTimer{timeout: timeout}
	it.timer = time.AfterFunc(timeout, func() {
		it.hit.Store(true)
		cancel()
	})
	return it
}

// arm starts the budget for one read.
func (it *idleTimer) arm() {
	if it == nil {
		return
	}
	it.timer.Reset(it.timeout)
}

func (it *idleTimer) stop() {
	if it == nil {
		return
	}
	it.timer.Stop()
}

func (it *idleTimer) fired() bool {
	return it != nil && it.hit.Load()
}

// eventStream frames a streamed body into raw events. It reads only as far
// as the next event on each call. SSE bodies go through the ssestream
// decoder; NDJSON bodies are split on newlines.
type eventStream struct {
	body   io.ReadCloser
	sse    ssestream.Decoder
	lines  *bufio.Reader
	idle   *idleTimer
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
}

func newEventStream(resp *http.Response, framing llm.Framing, idle *idleTimer, cancel context.CancelFunc) *eventStream {
	s := &eventStream{
		body:   resp.Body,
		idle:   idle,
		cancel: cancel,
	}
	if framing == llm.FramingNDJSON {
		s.lines = bufio.NewReader(resp.Body)
	} else {
		s.sse = ssestream.NewDecoder(resp)
	}
	return s
}

// Next returns the next event, io.EOF at the clean end of the body, or a
// transport error.
func (s *eventStream) Next() (llm.RawEvent, error) {
	if s.closed.Load() {
		return llm.RawEvent{}, io.EOF
	}
	var (
		ev  llm.RawEvent
		err error
	)
	s.idle.arm()
	if s.lines != nil {
		ev, err = s.nextLine()
	} else {
		ev, err = s.nextSSE()
	}
	s.idle.stop()
	if err != nil && !errors.Is(err, io.EOF) {
		if s.idle.fired() {
			err = ErrIdleTimeout
		}
		return llm.RawEvent{}, llm.NewTransportError(err)
	}
	return ev, err
}

func (s *eventStream) nextLine() (llm.RawEvent, error) {
	for {
		line, err := s.lines.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return llm.RawEvent{Data: trimmed}, nil
		}
		if err != nil {
			return llm.RawEvent{}, err
		}
	}
}

func (s *eventStream) nextSSE() (llm.RawEvent, error) {
	for s.sse.Next() {
		ev := s.sse.Event()
		// The decoder terminates every data line with a newline.
		data := bytes.TrimSuffix(ev.Data, []byte("\n"))
		if len(data) == 0 {
			// keep-alive comment or an event without data
			continue
		}
		return llm.RawEvent{Event: ev.Type, Data: data}, nil
	}
	if err := s.sse.Err(); err != nil {
		return llm.RawEvent{}, err
	}
	return llm.RawEvent{}, io.EOF
}

// Close aborts the read and releases the connection.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.idle.stop()
		s.cancel()
		if s.sse != nil {
			_ = s.sse.Close()
		} else {
			_ = s.body.Close()
		}
	})
	return nil
}
