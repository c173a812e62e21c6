package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Adapter speaks the OpenAI chat completions protocol. Several vendors
// expose the same protocol, so one Adapter serves every preset.
type Adapter struct {
	preset         Preset
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	organization   string
}

var (
	_ llm.Adapter     = (*Adapter)(nil)
	_ llm.Embedder    = (*Adapter)(nil)
	_ llm.ModelLister = (*Adapter)(nil)
)

// NewAdapter creates an adapter for preset. The API key is required.
func NewAdapter(preset Preset, cfg llm.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key is required (set %s_API_KEY)", preset.Name, strings.ToUpper(preset.Name))
	}
	a := &Adapter{
		preset:         preset,
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(firstNonEmpty(cfg.BaseURL, preset.BaseURL), "/"),
		model:          firstNonEmpty(cfg.Model, preset.Model),
		embeddingModel: firstNonEmpty(cfg.EmbeddingModel, preset.EmbeddingModel),
	}
	if org, ok := cfg.Extra["organization"].(string); ok {
		a.organization = org
	}
	return a, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return a.preset.Name }

// BaseURL implements llm.Adapter.
func (a *Adapter) BaseURL() string { return a.baseURL }

// SupportsEmbedding implements llm.Adapter.
func (a *Adapter) SupportsEmbedding() bool { return a.preset.Embedding }

// SupportedModels implements llm.ModelLister.
func (a *Adapter) SupportedModels() []string { return slices.Clone(a.preset.Models) }

func (a *Adapter) header(stream bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	if a.organization != "" {
		h.Set("OpenAI-Organization", a.organization)
	}
	return h
}

// BuildRequest implements llm.Adapter.
func (a *Adapter) BuildRequest(messages []llm.Message, opts llm.CallOptions, stream bool) (*llm.WireRequest, error) {
	msgs, err := ToOpenAIMessages(messages)
	if err != nil {
		return nil, err
	}

	model := firstNonEmpty(opts.Model, a.model)
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.Stop,
		Stream:    stream,
	}
	if stream && a.preset.StreamUsage {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.NewValidationError("encode request: %v", err)
	}
	// Temperature is a float32 with omitempty in the wire struct, so an
	// explicit zero would be dropped.
	if opts.Temperature != nil {
		if body, err = sjson.SetBytes(body, "temperature", *opts.Temperature); err != nil {
			return nil, llm.NewValidationError("encode temperature: %v", err)
		}
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}

	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + "/chat/completions",
		Header:  a.header(stream),
		Body:    body,
		Stream:  stream,
		Framing: llm.FramingSSE,
		Model:   model,
		Timeout: opts.Timeout,
	}, nil
}

// applyExtra writes vendor passthrough keys into the JSON body.
func applyExtra(body []byte, extra map[string]any) ([]byte, error) {
	var err error
	for k, v := range extra {
		if body, err = sjson.SetBytes(body, k, v); err != nil {
			return nil, llm.NewValidationError("encode extra option %q: %v", k, err)
		}
	}
	return body, nil
}

// ParseResponse implements llm.Adapter.
func (a *Adapter) ParseResponse(resp *llm.WireResponse) (*llm.Response, error) {
	if !gjson.ValidBytes(resp.Body) || !gjson.GetBytes(resp.Body, "choices").IsArray() {
		return nil, llm.NewProtocolError("response has no choices array", nil)
	}
	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, llm.NewProtocolError("decode chat completion", err)
	}
	if len(out.Choices) == 0 {
		return nil, llm.NewProtocolError("response has no choices", nil)
	}
	choice := out.Choices[0]
	finish := llm.NormalizeFinishReason(string(choice.FinishReason))
	if finish == "" {
		finish = llm.FinishReasonStop
	}
	return &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: finish,
		Usage:        FromOpenAIUsage(out.Usage),
		Model:        out.Model,
		Raw:          json.RawMessage(resp.Body),
	}, nil
}

// ClassifyHTTPStatus implements llm.Adapter.
func (a *Adapter) ClassifyHTTPStatus(status int, body []byte) llm.ErrorKind {
	code := gjson.GetBytes(body, "error.code").String()
	typ := gjson.GetBytes(body, "error.type").String()
	switch {
	case code == "insufficient_quota" || typ == "insufficient_quota":
		// Quota exhaustion comes back as 429 but will not clear by waiting.
		return llm.KindAPI
	case code == "invalid_api_key" || typ == "authentication_error":
		return llm.KindAuthentication
	case typ == "rate_limit_reached_error" || typ == "engine_overloaded_error":
		return llm.KindRateLimit
	}
	return llm.DefaultClassify(status)
}

// BuildEmbeddingRequest implements llm.Embedder.
func (a *Adapter) BuildEmbeddingRequest(texts []string, opts llm.CallOptions) (*llm.WireRequest, error) {
	if !a.preset.Embedding {
		return nil, llm.NewUnsupportedOperationError(a.Name(), "embedding")
	}
	model := firstNonEmpty(opts.Model, a.embeddingModel)
	body, err := json.Marshal(openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, llm.NewValidationError("encode embedding request: %v", err)
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}
	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + "/embeddings",
		Header:  a.header(false),
		Body:    body,
		Model:   model,
		Timeout: opts.Timeout,
	}, nil
}

// ParseEmbeddingResponse implements llm.Embedder. Vectors are ordered by
// their index field, which vendors do not always return in order.
func (a *Adapter) ParseEmbeddingResponse(resp *llm.WireResponse) ([]llm.Embedding, error) {
	if !gjson.GetBytes(resp.Body, "data.0.embedding").IsArray() {
		return nil, llm.NewProtocolError("embedding response has no vector", nil)
	}
	var out openai.EmbeddingResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, llm.NewProtocolError("decode embedding", err)
	}
	slices.SortStableFunc(out.Data, func(x, y openai.Embedding) int { return x.Index - y.Index })
	embs := make([]llm.Embedding, 0, len(out.Data))
	for _, d := range out.Data {
		embs = append(embs, llm.Embedding{
			Vector:     d.Embedding,
			Dimensions: len(d.Embedding),
			Model:      string(out.Model),
		})
	}
	return embs, nil
}
