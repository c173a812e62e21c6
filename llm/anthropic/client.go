// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 1024
	APIVersion       = "2023-06-01"

	// statusOverloaded is returned when the API is temporarily overloaded.
	statusOverloaded = 529
)

// Adapter speaks the Anthropic Messages API. The SDK types are used as
// wire structs only; requests go through the shared transport.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
}

var (
	_ llm.Adapter     = (*Adapter)(nil)
	_ llm.ModelLister = (*Adapter)(nil)
)

var models = []string{
	"claude-3-5-haiku-latest",
	"claude-3-5-sonnet-latest",
	"claude-3-7-sonnet-latest",
	"claude-sonnet-4-0",
	"claude-opus-4-0",
}

func init() {
	llm.MustRegister(llm.ProviderAnthropic, func(cfg llm.ProviderConfig) (llm.Adapter, error) {
		return NewAdapter(cfg)
	})
}

// NewAdapter creates an Anthropic adapter. The API key is required.
func NewAdapter(cfg llm.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required (set ANTHROPIC_API_KEY)")
	}
	a := &Adapter{apiKey: cfg.APIKey, baseURL: DefaultBaseURL, model: DefaultModel}
	if cfg.BaseURL != "" {
		a.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model != "" {
		a.model = cfg.Model
	}
	return a, nil
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return llm.ProviderAnthropic }

// BaseURL implements llm.Adapter.
func (a *Adapter) BaseURL() string { return a.baseURL }

// SupportsEmbedding implements llm.Adapter. Anthropic has no embedding endpoint.
func (a *Adapter) SupportsEmbedding() bool { return false }

// SupportedModels implements llm.ModelLister.
func (a *Adapter) SupportedModels() []string { return slices.Clone(models) }

// BuildRequest implements llm.Adapter.
func (a *Adapter) BuildRequest(messages []llm.Message, opts llm.CallOptions, stream bool) (*llm.WireRequest, error) {
	system, msgs, err := ToMessageParams(messages)
	if err != nil {
		return nil, err
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := int64(DefaultMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:         anthropic.Model(model),
		MaxTokens:     maxTokens,
		Messages:      msgs,
		System:        system,
		StopSequences: opts.Stop,
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, llm.NewValidationError("encode request: %v", err)
	}
	if stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, llm.NewValidationError("encode stream flag: %v", err)
		}
	}
	for k, v := range opts.Extra {
		if body, err = sjson.SetBytes(body, k, v); err != nil {
			return nil, llm.NewValidationError("encode extra option %q: %v", k, err)
		}
	}

	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", APIVersion)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	}

	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + "/messages",
		Header:  h,
		Body:    body,
		Stream:  stream,
		Framing: llm.FramingSSE,
		Model:   model,
		Timeout: opts.Timeout,
	}, nil
}

// ParseResponse implements llm.Adapter.
func (a *Adapter) ParseResponse(resp *llm.WireResponse) (*llm.Response, error) {
	if gjson.GetBytes(resp.Body, "type").String() != "message" || !gjson.GetBytes(resp.Body, "content").IsArray() {
		return nil, llm.NewProtocolError("response is not a message", nil)
	}
	var message anthropic.Message
	if err := json.Unmarshal(resp.Body, &message); err != nil {
		return nil, llm.NewProtocolError("decode message", err)
	}
	out := FromMessage(message)
	out.Raw = json.RawMessage(resp.Body)
	return out, nil
}

// classifyErrorType maps an Anthropic error.type onto an error kind.
func classifyErrorType(typ string) (llm.ErrorKind, bool) {
	switch typ {
	case "overloaded_error", "api_error":
		return llm.KindServer, true
	case "rate_limit_error":
		return llm.KindRateLimit, true
	case "authentication_error", "permission_error":
		return llm.KindAuthentication, true
	case "invalid_request_error", "not_found_error", "request_too_large":
		return llm.KindAPI, true
	}
	return "", false
}

// ClassifyHTTPStatus implements llm.Adapter.
func (a *Adapter) ClassifyHTTPStatus(status int, body []byte) llm.ErrorKind {
	if status == statusOverloaded {
		return llm.KindServer
	}
	if kind, ok := classifyErrorType(gjson.GetBytes(body, "error.type").String()); ok {
		return kind
	}
	return llm.DefaultClassify(status)
}

// RetryAfter implements llm.RetryAfterHinter. Anthropic sends a standard
// retry-after header and also the reset time of the exhausted bucket.
func (a *Adapter) RetryAfter(resp *llm.WireResponse) *time.Duration {
	if d := llm.ParseRetryAfter(resp.Header); d != nil {
		return d
	}
	if resp.Header == nil {
		return nil
	}
	for _, h := range []string{"anthropic-ratelimit-requests-reset", "anthropic-ratelimit-tokens-reset"} {
		if v := resp.Header.Get(h); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				d := max(time.Until(t), 0)
				return &d
			}
		}
	}
	return nil
}
