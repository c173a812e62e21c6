package anthropic

import (
	"encoding/base64"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
)

// ToMessageParam converts an llm.Message to an Anthropic MessageParam.
// System messages are not valid here; they are lifted into the system field.
func ToMessageParam(msg llm.Message) (anthropic.MessageParam, error) {
	contentBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
	for _, part := range msg.Content {
		switch part.Type {
		case llm.PartTypeText:
			contentBlocks = append(contentBlocks, anthropic.NewTextBlock(part.Text))
		case llm.PartTypeImage:
			if len(part.Data) == 0 {
				return anthropic.MessageParam{}, llm.NewValidationError("anthropic images must be inline data, not a url")
			}
			mediaType := lo.CoalesceOrEmpty(part.MIMEType, "image/png")
			contentBlocks = append(contentBlocks, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(part.Data)))
		case llm.PartTypeAudio:
			return anthropic.MessageParam{}, llm.NewValidationError("audio input is not supported by anthropic")
		default:
			return anthropic.MessageParam{}, llm.NewValidationError("unknown content part type %q", part.Type)
		}
	}

	switch msg.Role {
	case llm.RoleUser:
		return anthropic.NewUserMessage(contentBlocks...), nil
	case llm.RoleAssistant:
		return anthropic.NewAssistantMessage(contentBlocks...), nil
	default:
		return anthropic.MessageParam{}, llm.NewValidationError("role %q cannot be sent as an anthropic message", msg.Role)
	}
}

// ToMessageParams splits system messages out and converts the rest.
func ToMessageParams(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			if !msg.TextOnly() {
				return nil, nil, llm.NewValidationError("message %d: system messages must be text", i)
			}
			system = append(system, anthropic.TextBlockParam{Text: msg.Text()})
			continue
		}
		anthMsg, err := ToMessageParam(msg)
		if err != nil {
			return nil, nil, fmt.Errorf("message %d: %w", i, err)
		}
		result = append(result, anthMsg)
	}
	if len(result) == 0 {
		return nil, nil, llm.NewValidationError("anthropic requires at least one user or assistant message")
	}
	return system, result, nil
}

// FromMessage converts a decoded Anthropic Message into an llm.Response.
func FromMessage(message anthropic.Message) *llm.Response {
	var text string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	finish := llm.NormalizeFinishReason(string(message.StopReason))
	if finish == "" {
		finish = llm.FinishReasonStop
	}
	return &llm.Response{
		Content:      text,
		FinishReason: finish,
		Usage:        llm.NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens), 0),
		Model:        string(message.Model),
	}
}
