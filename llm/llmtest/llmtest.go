// Package llmtest provides utilities for testing adapters and clients
// without a network: replayable stream fixtures, an echo adapter and a
// scripted executor.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aschepis/backscratcher/unillm/llm"
	"gopkg.in/yaml.v3"
)

// FixtureEvent is one raw event of a recorded vendor stream.
type FixtureEvent struct {
	Event string `yaml:"event"`
	Data  string `yaml:"data"`
}

// StreamWant is the expected outcome of replaying a fixture.
type StreamWant struct {
	Text         string `yaml:"text"`
	FinishReason string `yaml:"finish_reason"`
	// Error is the expected error kind, empty for a clean stream.
	Error string `yaml:"error"`
	// Incomplete is set when the stream ends without the vendor sentinel.
	Incomplete bool `yaml:"incomplete"`
}

// StreamFixture is a named vendor event sequence with its expected result.
type StreamFixture struct {
	Name   string         `yaml:"name"`
	Events []FixtureEvent `yaml:"events"`
	Want   StreamWant     `yaml:"want"`
}

// RawEvents converts the fixture events.
func (f StreamFixture) RawEvents() []llm.RawEvent {
	out := make([]llm.RawEvent, len(f.Events))
	for i, ev := range f.Events {
		out[i] = llm.RawEvent{Event: ev.Event, Data: []byte(ev.Data)}
	}
	return out
}

// LoadStreamFixtures reads a YAML list of fixtures.
func LoadStreamFixtures(path string) ([]StreamFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures []StreamFixture
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return fixtures, nil
}

// ReplayResult is what an adapter produced for a fixture.
type ReplayResult struct {
	Text         string
	FinishReason llm.FinishReason
	Done         bool
	Err          error
}

// Replay feeds events through the adapter until the sentinel or an error.
func Replay(a llm.Adapter, events []llm.RawEvent) ReplayResult {
	var (
		res  ReplayResult
		text strings.Builder
	)
	for _, raw := range events {
		ev, err := a.ParseStreamEvent(raw)
		if err != nil {
			res.Err = err
			break
		}
		text.WriteString(ev.Delta)
		if ev.FinishReason != "" {
			res.FinishReason = ev.FinishReason
		}
		if ev.Done {
			res.Done = true
			break
		}
	}
	res.Text = text.String()
	return res
}

// Events is an in-memory llm.EventStream.
type Events struct {
	mu     sync.Mutex
	events []llm.RawEvent
	pos    int
	// Err, when set, is returned after the events instead of io.EOF.
	Err    error
	closed atomic.Bool
}

// NewEvents creates an event stream over events.
func NewEvents(events ...llm.RawEvent) *Events {
	return &Events{events: events}
}

// Next implements llm.EventStream.
func (e *Events) Next() (llm.RawEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return llm.RawEvent{}, io.EOF
	}
	if e.pos >= len(e.events) {
		if e.Err != nil {
			return llm.RawEvent{}, e.Err
		}
		return llm.RawEvent{}, io.EOF
	}
	ev := e.events[e.pos]
	e.pos++
	return ev, nil
}

// Close implements llm.EventStream.
func (e *Events) Close() error {
	e.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (e *Events) Closed() bool {
	return e.closed.Load()
}

// Step produces the response for one executor call.
type Step func(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error)

// Executor is a scripted stand-in for the transport. Each call consumes the
// next step; once the script is exhausted the last step repeats.
type Executor struct {
	mu    sync.Mutex
	steps []Step
	calls atomic.Int32
	last  *llm.WireRequest
}

// NewExecutor creates an executor running steps in order.
func NewExecutor(steps ...Step) *Executor {
	return &Executor{steps: steps}
}

// Execute implements the client executor contract.
func (x *Executor) Execute(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
	n := int(x.calls.Add(1))
	x.mu.Lock()
	x.last = req
	var step Step
	switch {
	case len(x.steps) == 0:
		x.mu.Unlock()
		return nil, errors.New("llmtest: executor has no steps")
	case n <= len(x.steps):
		step = x.steps[n-1]
	default:
		step = x.steps[len(x.steps)-1]
	}
	x.mu.Unlock()
	return step(ctx, req)
}

// Calls returns the number of Execute calls.
func (x *Executor) Calls() int {
	return int(x.calls.Load())
}

// LastRequest returns the most recent request.
func (x *Executor) LastRequest() *llm.WireRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.last
}

// Status returns a step answering with a fixed status and body.
func Status(status int, body string) Step {
	return func(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
		return &llm.WireResponse{Status: status, Body: []byte(body)}, nil
	}
}

// Fail returns a step failing with err.
func Fail(err error) Step {
	return func(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
		return nil, err
	}
}

// Echo returns a step that answers with the request itself, which the echo
// adapter turns back into a response or stream.
func Echo() Step {
	return func(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
		if !req.Stream {
			return &llm.WireResponse{Status: 200, Body: req.Body}, nil
		}
		var body echoBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, err
		}
		words := strings.Fields(body.Last)
		events := make([]llm.RawEvent, 0, len(words)+1)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			events = append(events, llm.RawEvent{Data: []byte(w)})
		}
		events = append(events, llm.RawEvent{Event: "done"})
		return &llm.WireResponse{Status: 200, Events: NewEvents(events...)}, nil
	}
}

// Stream returns a step that answers with a fixed event sequence.
func Stream(events ...llm.RawEvent) Step {
	return func(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error) {
		return &llm.WireResponse{Status: 200, Events: NewEvents(events...)}, nil
	}
}

// RunStreamFixtures replays every fixture in path through a and checks the
// aggregated text, finish reason, sentinel and error kind.
func RunStreamFixtures(t *testing.T, a llm.Adapter, path string) {
	t.Helper()
	fixtures, err := LoadStreamFixtures(path)
	if err != nil {
		t.Fatalf("LoadStreamFixtures failed: %v", err)
	}
	if len(fixtures) == 0 {
		t.Fatalf("no fixtures in %s", path)
	}
	for _, f := range fixtures {
		t.Run(f.Name, func(t *testing.T) {
			res := Replay(a, f.RawEvents())
			if res.Text != f.Want.Text {
				t.Errorf("text = %q, want %q", res.Text, f.Want.Text)
			}
			if f.Want.Error != "" {
				if got := llm.KindOf(res.Err); string(got) != f.Want.Error {
					t.Errorf("error kind = %q (%v), want %q", got, res.Err, f.Want.Error)
				}
				return
			}
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if string(res.FinishReason) != f.Want.FinishReason {
				t.Errorf("finish reason = %q, want %q", res.FinishReason, f.Want.FinishReason)
			}
			if res.Done == f.Want.Incomplete {
				t.Errorf("done = %v, want %v", res.Done, !f.Want.Incomplete)
			}
		})
	}
}
