package anthropic

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/llmtest"
	"github.com/tidwall/gjson"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(llm.ProviderConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	return a
}

func TestRegistered(t *testing.T) {
	if !llm.IsRegistered("Anthropic") {
		t.Error("Expected anthropic to be registered")
	}
	if _, err := NewAdapter(llm.ProviderConfig{}); err == nil {
		t.Error("Expected missing API key to fail")
	}
}

func TestBuildRequest(t *testing.T) {
	a := newTestAdapter(t)
	msgs := []llm.Message{
		llm.SystemMessage("You are terse."),
		llm.UserMessage("hi"),
		llm.AssistantMessage("hello"),
		llm.UserMessage("bye"),
	}
	req, err := a.BuildRequest(msgs, llm.CallOptions{Temperature: llm.Float(0.2), Stop: []string{"END"}}, true)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if req.URL != DefaultBaseURL+"/messages" {
		t.Errorf("Unexpected URL %s", req.URL)
	}
	if req.Header.Get("x-api-key") != "sk-ant-test" || req.Header.Get("anthropic-version") != APIVersion {
		t.Errorf("Unexpected headers %v", req.Header)
	}

	body := gjson.ParseBytes(req.Body)
	if body.Get("system.0.text").String() != "You are terse." {
		t.Errorf("Expected system prompt to be lifted, got %s", req.Body)
	}
	if n := len(body.Get("messages").Array()); n != 3 {
		t.Errorf("Expected 3 messages, got %d", n)
	}
	if body.Get("messages.1.role").String() != "assistant" {
		t.Errorf("Unexpected role order: %s", req.Body)
	}
	if body.Get("max_tokens").Int() != DefaultMaxTokens {
		t.Errorf("Expected default max_tokens, got %d", body.Get("max_tokens").Int())
	}
	if body.Get("temperature").Float() != 0.2 {
		t.Errorf("Unexpected temperature %v", body.Get("temperature").Float())
	}
	if !body.Get("stream").Bool() {
		t.Error("Expected stream flag")
	}
	if body.Get("stop_sequences.0").String() != "END" {
		t.Errorf("Unexpected stop sequences %s", req.Body)
	}
}

func TestBuildRequest_Validation(t *testing.T) {
	a := newTestAdapter(t)
	cases := map[string][]llm.Message{
		"audio":       {{Role: llm.RoleUser, Content: []llm.Part{llm.AudioPart([]byte{1}, "audio/wav")}}},
		"image url":   {{Role: llm.RoleUser, Content: []llm.Part{llm.ImageURLPart("https://example.com/a.png")}}},
		"tool role":   {{Role: llm.RoleTool, Content: []llm.Part{llm.TextPart("42")}}},
		"only system": {llm.SystemMessage("x")},
	}
	for name, msgs := range cases {
		if _, err := a.BuildRequest(msgs, llm.CallOptions{}, false); !errors.Is(err, llm.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}

	img := llm.Message{Role: llm.RoleUser, Content: []llm.Part{llm.ImagePart([]byte{1, 2, 3}, "image/gif")}}
	req, err := a.BuildRequest([]llm.Message{img}, llm.CallOptions{}, false)
	if err != nil {
		t.Fatalf("BuildRequest with inline image failed: %v", err)
	}
	if gjson.GetBytes(req.Body, "messages.0.content.0.source.media_type").String() != "image/gif" {
		t.Errorf("Unexpected image block %s", req.Body)
	}
}

func TestParseResponse(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[{"type":"text","text":"Hi there"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":3}}`
	resp, err := a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(body)})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if resp.Content != "Hi there" || resp.FinishReason != llm.FinishReasonStop {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 13 {
		t.Errorf("Unexpected usage %+v", resp.Usage)
	}

	if _, err := a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(`{"type":"error"}`)}); !errors.Is(err, llm.ErrProtocol) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	a := newTestAdapter(t)
	tests := []struct {
		status int
		body   string
		want   llm.ErrorKind
	}{
		{529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, llm.KindServer},
		{429, `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`, llm.KindRateLimit},
		{401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, llm.KindAuthentication},
		{400, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, llm.KindAPI},
		{502, `bad gateway`, llm.KindServer},
	}
	for _, tt := range tests {
		if got := a.ClassifyHTTPStatus(tt.status, []byte(tt.body)); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	a := newTestAdapter(t)
	h := http.Header{}
	h.Set("retry-after", "3")
	if d := a.RetryAfter(&llm.WireResponse{Header: h}); d == nil || *d != 3*time.Second {
		t.Errorf("Expected 3s from retry-after, got %v", d)
	}

	h = http.Header{}
	h.Set("anthropic-ratelimit-requests-reset", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	d := a.RetryAfter(&llm.WireResponse{Header: h})
	if d == nil || *d < 59*time.Minute {
		t.Errorf("Expected about an hour from reset header, got %v", d)
	}

	if a.RetryAfter(&llm.WireResponse{}) != nil {
		t.Error("Expected nil without headers")
	}
}

func TestStreamFixtures(t *testing.T) {
	llmtest.RunStreamFixtures(t, newTestAdapter(t), "testdata/streams.yaml")
}

func TestNoEmbedding(t *testing.T) {
	if newTestAdapter(t).SupportsEmbedding() {
		t.Error("Expected anthropic to be chat-only")
	}
}
