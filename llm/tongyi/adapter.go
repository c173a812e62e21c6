package tongyi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type parameters struct {
	ResultFormat      string   `json:"result_format"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	IncrementalOutput bool     `json:"incremental_output,omitempty"`
}

type generationRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []message `json:"messages"`
	} `json:"input"`
	Parameters parameters `json:"parameters"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input struct {
		Texts []string `json:"texts"`
	} `json:"input"`
}

// toMessages converts messages. DashScope's text models take plain strings.
func toMessages(msgs []llm.Message) ([]message, error) {
	out := make([]message, 0, len(msgs))
	for i, msg := range msgs {
		if !msg.TextOnly() {
			return nil, llm.NewValidationError("message %d: tongyi text models accept text only", i)
		}
		switch msg.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return nil, llm.NewValidationError("message %d: unknown role %q", i, msg.Role)
		}
		out = append(out, message{Role: string(msg.Role), Content: msg.Text()})
	}
	return out, nil
}

// BuildRequest implements llm.Adapter. Streams ask for incremental output so
// each event carries only the new text.
func (a *Adapter) BuildRequest(messages []llm.Message, opts llm.CallOptions, stream bool) (*llm.WireRequest, error) {
	msgs, err := toMessages(messages)
	if err != nil {
		return nil, err
	}
	var req generationRequest
	req.Model = lo.CoalesceOrEmpty(opts.Model, a.model)
	req.Input.Messages = msgs
	req.Parameters = parameters{
		ResultFormat:      "message",
		Temperature:       opts.Temperature,
		MaxTokens:         opts.MaxTokens,
		Stop:              opts.Stop,
		IncrementalOutput: stream,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.NewValidationError("encode request: %v", err)
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}

	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + generationPath,
		Header:  a.header(stream),
		Body:    body,
		Stream:  stream,
		Framing: llm.FramingSSE,
		Model:   req.Model,
		Timeout: opts.Timeout,
	}, nil
}

// applyExtra writes passthrough keys into parameters unless they name a
// full path.
func applyExtra(body []byte, extra map[string]any) ([]byte, error) {
	var err error
	for k, v := range extra {
		path := k
		if !strings.Contains(k, ".") {
			path = "parameters." + k
		}
		if body, err = sjson.SetBytes(body, path, v); err != nil {
			return nil, llm.NewValidationError("encode extra option %q: %v", k, err)
		}
	}
	return body, nil
}

// usageFrom reads token counts, which DashScope reports at the top level.
func usageFrom(body gjson.Result) *llm.Usage {
	u := body.Get("usage")
	if !u.Exists() {
		u = body.Get("output.usage")
	}
	if !u.Exists() {
		return nil
	}
	return llm.NewUsage(int(u.Get("input_tokens").Int()), int(u.Get("output_tokens").Int()), int(u.Get("total_tokens").Int()))
}

// finishReason treats DashScope's literal "null" as absent.
func finishReason(s string) llm.FinishReason {
	if s == "null" {
		return ""
	}
	return llm.NormalizeFinishReason(s)
}

// ParseResponse implements llm.Adapter. DashScope does not echo the model,
// so Model is left for the caller to fill from the request.
func (a *Adapter) ParseResponse(resp *llm.WireResponse) (*llm.Response, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, llm.NewProtocolError("response is not valid JSON", nil)
	}
	body := gjson.ParseBytes(resp.Body)
	choice := body.Get("output.choices.0")
	if !choice.Exists() {
		// Older result_format=text responses put the text directly in output.
		if text := body.Get("output.text"); text.Exists() {
			return &llm.Response{
				Content:      text.String(),
				FinishReason: lo.CoalesceOrEmpty(finishReason(body.Get("output.finish_reason").String()), llm.FinishReasonStop),
				Usage:        usageFrom(body),
				Raw:          json.RawMessage(resp.Body),
			}, nil
		}
		return nil, llm.NewProtocolError("response has no output choices", nil)
	}
	return &llm.Response{
		Content:      choice.Get("message.content").String(),
		FinishReason: lo.CoalesceOrEmpty(finishReason(choice.Get("finish_reason").String()), llm.FinishReasonStop),
		Usage:        usageFrom(body),
		Raw:          json.RawMessage(resp.Body),
	}, nil
}

// BuildEmbeddingRequest implements llm.Embedder.
func (a *Adapter) BuildEmbeddingRequest(texts []string, opts llm.CallOptions) (*llm.WireRequest, error) {
	var req embeddingRequest
	req.Model = lo.CoalesceOrEmpty(opts.Model, a.embeddingModel)
	req.Input.Texts = texts
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.NewValidationError("encode embedding request: %v", err)
	}
	if body, err = applyExtra(body, opts.Extra); err != nil {
		return nil, err
	}
	return &llm.WireRequest{
		Method:  http.MethodPost,
		URL:     a.baseURL + embeddingPath,
		Header:  a.header(false),
		Body:    body,
		Model:   req.Model,
		Timeout: opts.Timeout,
	}, nil
}

// ParseEmbeddingResponse implements llm.Embedder. Vectors are returned in
// text_index order.
func (a *Adapter) ParseEmbeddingResponse(resp *llm.WireResponse) ([]llm.Embedding, error) {
	items := gjson.GetBytes(resp.Body, "output.embeddings").Array()
	if len(items) == 0 || !items[0].Get("embedding").IsArray() {
		return nil, llm.NewProtocolError("embedding response has no vector", nil)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Get("text_index").Int() < items[j].Get("text_index").Int()
	})
	embs := make([]llm.Embedding, 0, len(items))
	for _, item := range items {
		values := item.Get("embedding").Array()
		vec := make([]float32, len(values))
		for i, v := range values {
			vec[i] = float32(v.Float())
		}
		embs = append(embs, llm.Embedding{Vector: vec, Dimensions: len(vec)})
	}
	return embs, nil
}
