package llmtest

import (
	"encoding/json"
	"hash/fnv"
	"net/http"

	"github.com/aschepis/backscratcher/unillm/llm"
)

type echoBody struct {
	Model string   `json:"model"`
	Last  string   `json:"last"`
	Count int      `json:"count"`
	Texts []string `json:"texts,omitempty"`
}

// EchoAdapter answers every chat with the text of the last message. Paired
// with the Echo step it round-trips without any vendor.
type EchoAdapter struct {
	ProviderName string
	Embeds       bool
	Dimensions   int
}

var (
	_ llm.Adapter  = (*EchoAdapter)(nil)
	_ llm.Embedder = (*EchoAdapter)(nil)
)

// RegisterEcho registers an echo adapter under name.
func RegisterEcho(name string, embeds bool) error {
	return llm.Register(name, func(cfg llm.ProviderConfig) (llm.Adapter, error) {
		return &EchoAdapter{ProviderName: name, Embeds: embeds, Dimensions: 8}, nil
	})
}

func (a *EchoAdapter) Name() string            { return a.ProviderName }
func (a *EchoAdapter) BaseURL() string         { return "http://echo.invalid" }
func (a *EchoAdapter) SupportsEmbedding() bool { return a.Embeds }

func (a *EchoAdapter) ClassifyHTTPStatus(status int, body []byte) llm.ErrorKind {
	return llm.DefaultClassify(status)
}

func (a *EchoAdapter) BuildRequest(messages []llm.Message, opts llm.CallOptions, stream bool) (*llm.WireRequest, error) {
	if len(messages) == 0 {
		return nil, llm.NewValidationError("no messages")
	}
	body, err := json.Marshal(echoBody{
		Model: opts.Model,
		Last:  messages[len(messages)-1].Text(),
		Count: len(messages),
	})
	if err != nil {
		return nil, err
	}
	return &llm.WireRequest{
		Method: http.MethodPost,
		URL:    a.BaseURL() + "/chat",
		Body:   body,
		Stream: stream,
		Model:  opts.Model,
	}, nil
}

func (a *EchoAdapter) ParseResponse(resp *llm.WireResponse) (*llm.Response, error) {
	var body echoBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, llm.NewProtocolError("decode echo body", err)
	}
	return &llm.Response{
		Content:      body.Last,
		FinishReason: llm.FinishReasonStop,
		Model:        body.Model,
		Usage:        llm.NewUsage(body.Count, 1, 0),
		Raw:          resp.Body,
	}, nil
}

func (a *EchoAdapter) ParseStreamEvent(ev llm.RawEvent) (llm.StreamEvent, error) {
	if ev.Event == "done" {
		return llm.StreamEvent{Done: true, FinishReason: llm.FinishReasonStop}, nil
	}
	return llm.StreamEvent{Delta: string(ev.Data)}, nil
}

func (a *EchoAdapter) BuildEmbeddingRequest(texts []string, opts llm.CallOptions) (*llm.WireRequest, error) {
	body, err := json.Marshal(echoBody{Model: opts.Model, Texts: texts})
	if err != nil {
		return nil, err
	}
	return &llm.WireRequest{Method: http.MethodPost, URL: a.BaseURL() + "/embed", Body: body, Model: opts.Model}, nil
}

// ParseEmbeddingResponse derives one deterministic vector per echoed text.
func (a *EchoAdapter) ParseEmbeddingResponse(resp *llm.WireResponse) ([]llm.Embedding, error) {
	var body echoBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, llm.NewProtocolError("decode echo body", err)
	}
	dims := a.Dimensions
	if dims <= 0 {
		dims = 8
	}
	embs := make([]llm.Embedding, 0, len(body.Texts))
	for _, text := range body.Texts {
		embs = append(embs, llm.Embedding{Vector: echoVector(text, dims), Dimensions: dims, Model: body.Model})
	}
	return embs, nil
}

func echoVector(text string, dims int) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32((seed>>(uint(i)%32))&0xff) / 255
	}
	return vec
}
