package tongyi

import (
	"errors"
	"testing"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/llmtest"
	"github.com/tidwall/gjson"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(llm.ProviderConfig{APIKey: "sk-ds"})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	return a
}

func TestNewAdapter(t *testing.T) {
	if !llm.IsRegistered("tongyi") {
		t.Error("Expected tongyi to be registered")
	}
	if _, err := NewAdapter(llm.ProviderConfig{}); err == nil {
		t.Error("Expected missing API key to fail")
	}
}

func TestBuildRequest(t *testing.T) {
	a := newTestAdapter(t)
	msgs := []llm.Message{llm.SystemMessage("你是助手"), llm.UserMessage("你好")}
	req, err := a.BuildRequest(msgs, llm.CallOptions{
		Temperature: llm.Float(0.5),
		MaxTokens:   100,
		Extra:       map[string]any{"top_p": 0.8},
	}, false)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if req.URL != DefaultBaseURL+generationPath {
		t.Errorf("Unexpected URL %s", req.URL)
	}
	if req.Header.Get("X-DashScope-SSE") != "" {
		t.Error("Expected no SSE header on unary requests")
	}

	body := gjson.ParseBytes(req.Body)
	checks := map[string]string{
		"model":                    DefaultModel,
		"input.messages.0.role":    "system",
		"input.messages.1.content": "你好",
		"parameters.result_format": "message",
		"parameters.temperature":   "0.5",
		"parameters.max_tokens":    "100",
		"parameters.top_p":         "0.8",
	}
	for path, want := range checks {
		if got := body.Get(path); !got.Exists() || got.String() != want {
			t.Errorf("%s = %q, want %q", path, got.String(), want)
		}
	}
	if body.Get("parameters.incremental_output").Exists() {
		t.Error("Expected incremental_output to be omitted for unary requests")
	}
}

func TestBuildRequest_Stream(t *testing.T) {
	a := newTestAdapter(t)
	req, err := a.BuildRequest([]llm.Message{llm.UserMessage("hi")}, llm.CallOptions{}, true)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if req.Header.Get("X-DashScope-SSE") != "enable" || req.Header.Get("Accept") != "text/event-stream" {
		t.Errorf("Unexpected stream headers %v", req.Header)
	}
	if !gjson.GetBytes(req.Body, "parameters.incremental_output").Bool() {
		t.Errorf("Expected incremental output: %s", req.Body)
	}
}

func TestBuildRequest_TextOnly(t *testing.T) {
	a := newTestAdapter(t)
	img := llm.Message{Role: llm.RoleUser, Content: []llm.Part{llm.ImagePart([]byte{1}, "image/png")}}
	if _, err := a.BuildRequest([]llm.Message{img}, llm.CallOptions{}, false); !errors.Is(err, llm.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	a := newTestAdapter(t)
	body := `{"output":{"choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"你好！"}}]},"usage":{"total_tokens":12,"output_tokens":3,"input_tokens":9},"request_id":"abc"}`
	resp, err := a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(body)})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if resp.Content != "你好！" || resp.FinishReason != llm.FinishReasonStop {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 12 || resp.Usage.PromptTokens != 9 {
		t.Errorf("Unexpected usage %+v", resp.Usage)
	}

	legacy := `{"output":{"text":"plain","finish_reason":"stop"}}`
	resp, err = a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(legacy)})
	if err != nil || resp.Content != "plain" {
		t.Errorf("Expected text-format response to parse, got %+v, %v", resp, err)
	}

	if _, err := a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(`{"output":{}}`)}); !errors.Is(err, llm.ErrProtocol) {
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
		{429, `{"code":"Throttling.RateQuota","message":"slow down"}`, llm.KindRateLimit},
		{400, `{"code":"Throttling.AllocationQuota","message":"slow down"}`, llm.KindRateLimit},
		{401, `{"code":"InvalidApiKey","message":"Invalid API-key provided."}`, llm.KindAuthentication},
		{400, `{"code":"InvalidParameter","message":"bad"}`, llm.KindAPI},
		{500, `{"code":"InternalError","message":"oops"}`, llm.KindServer},
		{503, `unavailable`, llm.KindServer},
	}
	for _, tt := range tests {
		if got := a.ClassifyHTTPStatus(tt.status, []byte(tt.body)); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d, %s) = %s, want %s", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestStreamFixtures(t *testing.T) {
	llmtest.RunStreamFixtures(t, newTestAdapter(t), "testdata/streams.yaml")
}

func TestEmbedding(t *testing.T) {
	a := newTestAdapter(t)
	req, err := a.BuildEmbeddingRequest([]string{"hello", "there"}, llm.CallOptions{})
	if err != nil {
		t.Fatalf("BuildEmbeddingRequest failed: %v", err)
	}
	if req.URL != DefaultBaseURL+embeddingPath {
		t.Errorf("Unexpected URL %s", req.URL)
	}
	if req.Model != DefaultEmbeddingModel {
		t.Errorf("Expected request model %s, got %s", DefaultEmbeddingModel, req.Model)
	}
	if gjson.GetBytes(req.Body, "input.texts.1").String() != "there" {
		t.Errorf("Unexpected body %s", req.Body)
	}

	body := `{"output":{"embeddings":[
		{"text_index":1,"embedding":[0.4,0.5,0.6]},
		{"text_index":0,"embedding":[0.1,-0.2,0.3]}]},"usage":{"total_tokens":2}}`
	embs, err := a.ParseEmbeddingResponse(&llm.WireResponse{Status: 200, Body: []byte(body)})
	if err != nil {
		t.Fatalf("ParseEmbeddingResponse failed: %v", err)
	}
	if len(embs) != 2 || embs[0].Dimensions != 3 || embs[0].Vector[1] != -0.2 {
		t.Errorf("Unexpected embeddings %+v", embs)
	}
	if _, err := a.ParseEmbeddingResponse(&llm.WireResponse{Status: 200, Body: []byte(`{"output":{}}`)}); !errors.Is(err, llm.ErrProtocol) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

// DashScope responses do not name the model, so the adapter must not guess
// one from its defaults when the call chose another.
func TestEmbedding_ModelFromRequest(t *testing.T) {
	a := newTestAdapter(t)
	req, err := a.BuildEmbeddingRequest([]string{"hello"}, llm.CallOptions{Model: "text-embedding-v3"})
	if err != nil {
		t.Fatalf("BuildEmbeddingRequest failed: %v", err)
	}
	if req.Model != "text-embedding-v3" || gjson.GetBytes(req.Body, "model").String() != "text-embedding-v3" {
		t.Errorf("Expected per-call model, got %s / %s", req.Model, req.Body)
	}

	body := `{"output":{"embeddings":[{"text_index":0,"embedding":[0.1,0.2]}]}}`
	embs, err := a.ParseEmbeddingResponse(&llm.WireResponse{Status: 200, Body: []byte(body)})
	if err != nil {
		t.Fatalf("ParseEmbeddingResponse failed: %v", err)
	}
	if embs[0].Model != "" {
		t.Errorf("Expected no model on parsed embedding, got %q", embs[0].Model)
	}

	chat, err := a.BuildRequest([]llm.Message{llm.UserMessage("hi")}, llm.CallOptions{Model: "qwen-max"}, false)
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if chat.Model != "qwen-max" {
		t.Errorf("Expected request model qwen-max, got %s", chat.Model)
	}
	resp, err := a.ParseResponse(&llm.WireResponse{Status: 200, Body: []byte(`{"output":{"choices":[{"message":{"content":"ok"}}]}}`)})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if resp.Model != "" {
		t.Errorf("Expected no model on parsed response, got %q", resp.Model)
	}
}

func TestSupportedModels(t *testing.T) {
	a := newTestAdapter(t)
	got := a.SupportedModels()
	if len(got) != 8 || got[0] != DefaultModel {
		t.Errorf("Unexpected models %v", got)
	}
	got[0] = "changed"
	if a.SupportedModels()[0] != DefaultModel {
		t.Error("Expected SupportedModels to return a copy")
	}
}
