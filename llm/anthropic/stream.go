package anthropic

import (
	"encoding/json"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/tidwall/gjson"
)

// ParseStreamEvent implements llm.Adapter. message_stop is the end-of-stream
// sentinel; an error event is surfaced as a classified error.
func (a *Adapter) ParseStreamEvent(ev llm.RawEvent) (llm.StreamEvent, error) {
	if !gjson.ValidBytes(ev.Data) {
		return llm.StreamEvent{}, llm.NewProtocolError("stream event is not valid JSON", nil)
	}
	typ := gjson.GetBytes(ev.Data, "type").String()
	if typ == "" {
		typ = ev.Event
	}

	switch typ {
	case "ping":
		return llm.StreamEvent{Skip: true}, nil
	case "error":
		errType := gjson.GetBytes(ev.Data, "error.type").String()
		kind, ok := classifyErrorType(errType)
		if !ok {
			kind = llm.KindAPI
		}
		return llm.StreamEvent{}, &llm.Error{
			Kind:     kind,
			Provider: a.Name(),
			Message:  gjson.GetBytes(ev.Data, "error.message").String(),
		}
	}

	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(ev.Data, &event); err != nil {
		return llm.StreamEvent{}, llm.NewProtocolError("decode stream event", err)
	}

	switch evt := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		if d, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
			return llm.StreamEvent{Delta: d.Text}, nil
		}
	case anthropic.MessageDeltaEvent:
		out := llm.StreamEvent{
			FinishReason: llm.NormalizeFinishReason(string(evt.Delta.StopReason)),
		}
		if evt.Usage.InputTokens > 0 || evt.Usage.OutputTokens > 0 {
			out.Usage = llm.NewUsage(int(evt.Usage.InputTokens), int(evt.Usage.OutputTokens), 0)
		}
		return out, nil
	case anthropic.MessageStopEvent:
		return llm.StreamEvent{Done: true}, nil
	}
	// message_start, content_block_start and content_block_stop carry no text.
	return llm.StreamEvent{Skip: true}, nil
}
