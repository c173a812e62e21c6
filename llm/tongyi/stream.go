package tongyi

import (
	"bytes"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/tidwall/gjson"
)

var doneSentinel = []byte("[DONE]")

// ParseStreamEvent implements llm.Adapter. With incremental output each
// result event carries new text; the event whose finish_reason is set ends
// the stream. Failures arrive as an error event with a code.
func (a *Adapter) ParseStreamEvent(ev llm.RawEvent) (llm.StreamEvent, error) {
	data := bytes.TrimSpace(ev.Data)
	if bytes.Equal(data, doneSentinel) {
		return llm.StreamEvent{Done: true}, nil
	}
	if len(data) == 0 {
		return llm.StreamEvent{Skip: true}, nil
	}
	if !gjson.ValidBytes(data) {
		return llm.StreamEvent{}, llm.NewProtocolError("stream event is not valid JSON", nil)
	}
	body := gjson.ParseBytes(data)

	if code := body.Get("code").String(); ev.Event == "error" || (code != "" && !body.Get("output").Exists()) {
		kind, ok := classifyCode(code)
		if !ok {
			kind = llm.KindAPI
		}
		return llm.StreamEvent{}, &llm.Error{
			Kind:     kind,
			Provider: a.Name(),
			Message:  llm.ErrorMessage(data),
		}
	}

	choice := body.Get("output.choices.0")
	if !choice.Exists() {
		return llm.StreamEvent{}, llm.NewProtocolError("stream event has no output choices", nil)
	}
	out := llm.StreamEvent{
		Delta:        choice.Get("message.content").String(),
		FinishReason: finishReason(choice.Get("finish_reason").String()),
	}
	if out.FinishReason != "" {
		out.Done = true
		out.Usage = usageFrom(body)
		return out, nil
	}
	out.Skip = out.Delta == ""
	return out, nil
}
