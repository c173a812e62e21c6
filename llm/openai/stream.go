package openai

import (
	"bytes"
	"encoding/json"

	"github.com/aschepis/backscratcher/unillm/llm"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

var doneSentinel = []byte("[DONE]")

// ParseStreamEvent implements llm.Adapter. Each SSE data payload is one
// chat.completion.chunk; the literal [DONE] ends the stream.
func (a *Adapter) ParseStreamEvent(ev llm.RawEvent) (llm.StreamEvent, error) {
	data := bytes.TrimSpace(ev.Data)
	if bytes.Equal(data, doneSentinel) {
		return llm.StreamEvent{Done: true}, nil
	}
	if len(data) == 0 {
		return llm.StreamEvent{Skip: true}, nil
	}
	if !gjson.ValidBytes(data) {
		return llm.StreamEvent{}, llm.NewProtocolError("stream chunk is not valid JSON", nil)
	}

	// Some vendors report failures inside the stream instead of via status.
	if errObj := gjson.GetBytes(data, "error"); errObj.Exists() && errObj.IsObject() {
		e := llm.NewAPIError(0, errObj.Get("message").String(), nil)
		e.Provider = a.Name()
		if k := a.ClassifyHTTPStatus(0, data); k != llm.KindAPI {
			e.Kind = k
		}
		return llm.StreamEvent{}, e
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return llm.StreamEvent{}, llm.NewProtocolError("decode stream chunk", err)
	}

	out := llm.StreamEvent{}
	if chunk.Usage != nil {
		out.Usage = FromOpenAIUsage(*chunk.Usage)
	}
	if len(chunk.Choices) == 0 {
		out.Skip = out.Usage == nil
		return out, nil
	}
	choice := chunk.Choices[0]
	out.Delta = choice.Delta.Content
	out.FinishReason = llm.NormalizeFinishReason(string(choice.FinishReason))
	if out.Delta == "" && out.FinishReason == "" && out.Usage == nil {
		out.Skip = true
	}
	return out, nil
}
