package ollama

import (
	"bytes"
	"encoding/json"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/ollama/ollama/api"
	"github.com/tidwall/gjson"
)

// ParseStreamEvent implements llm.Adapter. Ollama streams one JSON object
// per line; the object with done set is the sentinel and carries the finish
// reason and the eval counters.
func (a *Adapter) ParseStreamEvent(ev llm.RawEvent) (llm.StreamEvent, error) {
	data := bytes.TrimSpace(ev.Data)
	if len(data) == 0 {
		return llm.StreamEvent{Skip: true}, nil
	}
	if !gjson.ValidBytes(data) {
		return llm.StreamEvent{}, llm.NewProtocolError("stream line is not valid JSON", nil)
	}
	if msg := gjson.GetBytes(data, "error"); msg.Exists() {
		e := llm.NewAPIError(0, msg.String(), nil)
		e.Provider = a.Name()
		return llm.StreamEvent{}, e
	}

	var resp api.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return llm.StreamEvent{}, llm.NewProtocolError("decode stream line", err)
	}

	out := llm.StreamEvent{Delta: resp.Message.Content}
	if resp.Done {
		out.Done = true
		out.FinishReason = llm.NormalizeFinishReason(resp.DoneReason)
		if out.FinishReason == "" {
			out.FinishReason = llm.FinishReasonStop
		}
		out.Usage = FromMetrics(resp.Metrics)
		return out, nil
	}
	out.Skip = out.Delta == ""
	return out, nil
}
