package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
)

// recorder replaces the real wait so schedules can be asserted without sleeping.
type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(maxRetries int, rec *recorder) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		sleep:      rec.sleep,
	}
}

func TestDo_RateLimitThenSuccess(t *testing.T) {
	rec := &recorder{}
	calls := 0
	got, err := Do(context.Background(), testPolicy(3, rec), func(ctx context.Context, attempt int) (string, error) {
		calls++
		if calls <= 2 {
			return "", llm.NewRateLimitError("slow down", nil, nil)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("Expected ok after 3 calls, got %q after %d", got, calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(rec.delays) != len(want) {
		t.Fatalf("Expected %d waits, got %v", len(want), rec.delays)
	}
	for i := range want {
		if rec.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, rec.delays[i], want[i])
		}
	}
}

func TestDo_RateLimitExhausted(t *testing.T) {
	rec := &recorder{}
	calls := 0
	_, err := Do(context.Background(), testPolicy(2, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewRateLimitError("slow down", nil, nil)
	})
	if calls != 3 {
		t.Errorf("Expected max_retries+1 = 3 attempts, got %d", calls)
	}
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) || llmErr.Kind != llm.KindRateLimit {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
	if llmErr.Attempts != 3 {
		t.Errorf("Expected Attempts=3, got %d", llmErr.Attempts)
	}
	if llmErr.Hint == "" {
		t.Error("Expected remediation hint on rate limit error")
	}
}

func TestDo_ScheduleCappedAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second}
	got := p.Delays(4)
	want := []time.Duration{300 * time.Millisecond, 600 * time.Millisecond, time.Second, time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDo_RetryAfterHintCapped(t *testing.T) {
	rec := &recorder{}
	hint := 5 * time.Second
	short := 50 * time.Millisecond
	calls := 0
	_, _ = Do(context.Background(), testPolicy(2, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		if calls == 1 {
			return 0, llm.NewRateLimitError("slow", &hint, nil)
		}
		if calls == 2 {
			return 0, llm.NewRateLimitError("slow", &short, nil)
		}
		return 1, nil
	})
	if len(rec.delays) != 2 {
		t.Fatalf("Expected 2 waits, got %v", rec.delays)
	}
	if rec.delays[0] != time.Second {
		t.Errorf("Expected hint capped at max delay, got %v", rec.delays[0])
	}
	if rec.delays[1] != short {
		t.Errorf("Expected hint to replace computed delay, got %v", rec.delays[1])
	}
}

func TestDo_FatalKindsNotRetried(t *testing.T) {
	fatal := []*llm.Error{
		llm.NewValidationError("bad input"),
		llm.NewAuthenticationError("bad key", 401),
		llm.NewUnsupportedOperationError("x", "embedding"),
		llm.NewAPIError(400, "bad", nil),
		llm.NewBackpressureError(time.Second, 1),
	}
	for _, fe := range fatal {
		rec := &recorder{}
		calls := 0
		_, err := Do(context.Background(), testPolicy(3, rec), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, fe
		})
		if calls != 1 {
			t.Errorf("%s: expected 1 attempt, got %d", fe.Kind, calls)
		}
		if llm.KindOf(err) != fe.Kind {
			t.Errorf("%s: expected kind to be preserved, got %v", fe.Kind, err)
		}
		if len(rec.delays) != 0 {
			t.Errorf("%s: expected no waits, got %v", fe.Kind, rec.delays)
		}
	}
}

func TestDo_ServerErrorsSurfaceAsAPI(t *testing.T) {
	rec := &recorder{}
	p := testPolicy(3, rec)
	p.MaxDelay = time.Minute
	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewServerError(503, "unavailable")
	})
	if calls != 4 {
		t.Errorf("Expected 4 attempts, got %d", calls)
	}
	if llm.KindOf(err) != llm.KindAPI {
		t.Errorf("Expected exhausted 5xx to surface as api error, got %v", err)
	}
	for _, d := range rec.delays {
		if d > DefaultServerMaxDelay {
			t.Errorf("Expected server delays capped at %v, got %v", DefaultServerMaxDelay, d)
		}
	}
}

func TestDo_ProtocolRetriedOnce(t *testing.T) {
	rec := &recorder{}
	calls := 0
	_, err := Do(context.Background(), testPolicy(5, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewProtocolError("garbled", nil)
	})
	if calls != 2 {
		t.Errorf("Expected 2 attempts for protocol errors, got %d", calls)
	}
	if llm.KindOf(err) != llm.KindProtocol {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestDo_TransportBecomesAPI(t *testing.T) {
	rec := &recorder{}
	calls := 0
	cause := errors.New("connection reset")
	_, err := Do(context.Background(), testPolicy(3, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewTransportError(cause)
	})
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
	if llm.KindOf(err) != llm.KindAPI {
		t.Errorf("Expected api error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause to be preserved")
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	rec := &recorder{}
	calls := 0
	_, err := Do(context.Background(), testPolicy(0, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewRateLimitError("slow", nil, nil)
	})
	if calls != 1 || !llm.IsRateLimitError(err) {
		t.Errorf("Expected single attempt with rate limit error, got %d calls, %v", calls, err)
	}
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, llm.NewRateLimitError("slow", nil, nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	rec := &recorder{}
	p := testPolicy(2, rec)
	var kinds []llm.ErrorKind
	p.OnRetry = func(kind llm.ErrorKind, attempt int, delay time.Duration) {
		kinds = append(kinds, kind)
	}
	calls := 0
	_, _ = Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		calls++
		if calls == 1 {
			return 0, llm.NewServerError(500, "boom")
		}
		return 0, nil
	})
	if len(kinds) != 1 || kinds[0] != llm.KindServer {
		t.Errorf("Expected one server retry callback, got %v", kinds)
	}
}

func TestDo_NonLLMErrorIsFatal(t *testing.T) {
	rec := &recorder{}
	plain := errors.New("plain")
	calls := 0
	_, err := Do(context.Background(), testPolicy(3, rec), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, plain
	})
	if calls != 1 || !errors.Is(err, plain) {
		t.Errorf("Expected plain error returned after 1 call, got %d calls, %v", calls, err)
	}
}

func TestWaitForRetry(t *testing.T) {
	if err := WaitForRetry(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WaitForRetry(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
