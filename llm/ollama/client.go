// Package ollama adapts a local or remote Ollama server.
package ollama

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/ollama/ollama/api"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultHost           = "http://localhost:11434"
	DefaultModel          = "llama3.2"
	DefaultEmbeddingModel = "nomic-embed-text"
)

// Adapter speaks Ollama's native /api/chat and /api/embed endpoints. No API
// key is needed for a local server; a key, if set, is sent as a bearer token
// for hosted deployments behind a proxy.
type Adapter struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
}

var (
	_ llm.Adapter     = (*Adapter)(nil)
	_ llm.Embedder    = (*Adapter)(nil)
	_ llm.ModelLister = (*Adapter)(nil)
)

// commonModels are popular library models. A server only has the ones it pulled.
var commonModels = []string{"llama3.2", "llama3.1", "qwen2.5", "mistral", "gemma2", "phi3", DefaultEmbeddingModel}

func init() {
	llm.MustRegister(llm.ProviderOllama, func(cfg llm.ProviderConfig) (llm.Adapter, error) {
		return NewAdapter(cfg)
	})
}

// NewAdapter creates an Ollama adapter. If cfg.BaseURL is empty the default
// local host is used.
func NewAdapter(cfg llm.ProviderConfig) (*Adapter, error) {
	host := DefaultHost
	if cfg.BaseURL != "" {
		host = cfg.BaseURL
	}
	baseURL, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid host: %w", err)
	}
	a := &Adapter{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(baseURL.String(), "/"),
		model:          DefaultModel,
		embeddingModel: DefaultEmbeddingModel,
	}
	if cfg.Model != "" {
		a.model = cfg.Model
	}
	if cfg.EmbeddingModel != "" {
		a.embeddingModel = cfg.EmbeddingModel
	}
	return a, nil
}

// parseHost parses a host string into a URL, defaulting the scheme to http.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", host)
	}
	return u, nil
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return llm.ProviderOllama }

// BaseURL implements llm.Adapter.
func (a *Adapter) BaseURL() string { return a.baseURL }

// SupportsEmbedding implements llm.Adapter.
func (a *Adapter) SupportsEmbedding() bool { return true }

// SupportedModels implements llm.ModelLister.
func (a *Adapter) SupportedModels() []string { return slices.Clone(commonModels) }

func (a *Adapter) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if a.apiKey != "" {
		h.Set("Authorization", "Bearer "+a.apiKey)
	}
	return h
}

// BuildRequest implements llm.Adapter.
func (a *Adapter) BuildRequest(messages []llm.Message, opts llm.CallOptions, stream bool) (*llm.WireRequest, error) {
	msgs, err := ToOllamaMessages(messages)
	if err != nil {
		return nil, err
	}
	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}

	chatReq := api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  toOptions(opts),
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, llm.NewValidationError("encode request: %v", err)
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}

	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + "/api/chat",
		Header:  a.header(),
		Body:    body,
		Stream:  stream,
		Framing: llm.FramingNDJSON,
		Model:   model,
		Timeout: opts.Timeout,
	}, nil
}

// applyExtra writes passthrough keys under options, which is where Ollama
// expects sampler settings such as top_k or num_ctx.
func applyExtra(body []byte, extra map[string]any) ([]byte, error) {
	var err error
	for k, v := range extra {
		path := k
		if !strings.Contains(k, ".") && k != "format" && k != "keep_alive" {
			path = "options." + k
			if !gjson.GetBytes(body, "options").IsObject() {
				if body, err = sjson.SetRawBytes(body, "options", []byte("{}")); err != nil {
					return nil, llm.NewValidationError("encode options: %v", err)
				}
			}
		}
		if body, err = sjson.SetBytes(body, path, v); err != nil {
			return nil, llm.NewValidationError("encode extra option %q: %v", k, err)
		}
	}
	return body, nil
}

// ParseResponse implements llm.Adapter.
func (a *Adapter) ParseResponse(resp *llm.WireResponse) (*llm.Response, error) {
	if !gjson.ValidBytes(resp.Body) || !gjson.GetBytes(resp.Body, "message").IsObject() {
		return nil, llm.NewProtocolError("response has no message", nil)
	}
	var chatResp api.ChatResponse
	if err := json.Unmarshal(resp.Body, &chatResp); err != nil {
		return nil, llm.NewProtocolError("decode chat response", err)
	}
	finish := llm.NormalizeFinishReason(chatResp.DoneReason)
	if finish == "" {
		finish = llm.FinishReasonStop
	}
	return &llm.Response{
		Content:      chatResp.Message.Content,
		FinishReason: finish,
		Usage:        FromMetrics(chatResp.Metrics),
		Model:        chatResp.Model,
		Raw:          json.RawMessage(resp.Body),
	}, nil
}

// ClassifyHTTPStatus implements llm.Adapter. A missing model is reported
// with 404 and will not be fixed by retrying.
func (a *Adapter) ClassifyHTTPStatus(status int, body []byte) llm.ErrorKind {
	msg := gjson.GetBytes(body, "error").String()
	if status == http.StatusServiceUnavailable && strings.Contains(msg, "busy") {
		return llm.KindRateLimit
	}
	return llm.DefaultClassify(status)
}

// BuildEmbeddingRequest implements llm.Embedder.
func (a *Adapter) BuildEmbeddingRequest(texts []string, opts llm.CallOptions) (*llm.WireRequest, error) {
	model := a.embeddingModel
	if opts.Model != "" {
		model = opts.Model
	}
	body, err := json.Marshal(api.EmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, llm.NewValidationError("encode embedding request: %v", err)
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}
	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + "/api/embed",
		Header:  a.header(),
		Body:    body,
		Model:   model,
		Timeout: opts.Timeout,
	}, nil
}

// ParseEmbeddingResponse implements llm.Embedder.
func (a *Adapter) ParseEmbeddingResponse(resp *llm.WireResponse) ([]llm.Embedding, error) {
	if !gjson.GetBytes(resp.Body, "embeddings.0").IsArray() {
		return nil, llm.NewProtocolError("embedding response has no vector", nil)
	}
	var out api.EmbedResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, llm.NewProtocolError("decode embedding", err)
	}
	embs := make([]llm.Embedding, 0, len(out.Embeddings))
	for _, vec := range out.Embeddings {
		embs = append(embs, llm.Embedding{Vector: vec, Dimensions: len(vec), Model: out.Model})
	}
	return embs, nil
}
