package openai

import (
	"encoding/base64"
	"fmt"

	"github.com/aschepis/backscratcher/unillm/llm"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAIMessages converts llm.Messages to OpenAI chat message format.
func ToOpenAIMessages(msgs []llm.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i, msg := range msgs {
		openaiMsg, err := ToOpenAIMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		result = append(result, openaiMsg)
	}
	return result, nil
}

// ToOpenAIMessage converts a single llm.Message to OpenAI format.
// Text-only messages use the plain content string; messages with images
// use the multi-part content array. Audio input is rejected.
func ToOpenAIMessage(msg llm.Message) (openai.ChatCompletionMessage, error) {
	var role string
	switch msg.Role {
	case llm.RoleSystem:
		role = openai.ChatMessageRoleSystem
	case llm.RoleUser:
		role = openai.ChatMessageRoleUser
	case llm.RoleAssistant:
		role = openai.ChatMessageRoleAssistant
	case llm.RoleTool:
		role = openai.ChatMessageRoleTool
	default:
		return openai.ChatCompletionMessage{}, llm.NewValidationError("unknown role %q", msg.Role)
	}

	out := openai.ChatCompletionMessage{Role: role}
	if msg.Role == llm.RoleTool {
		out.ToolCallID = msg.Name
	} else {
		out.Name = msg.Name
	}

	if msg.TextOnly() {
		out.Content = msg.Text()
		return out, nil
	}

	parts := make([]openai.ChatMessagePart, 0, len(msg.Content))
	for _, p := range msg.Content {
		switch p.Type {
		case llm.PartTypeText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case llm.PartTypeImage:
			url, err := imageURL(p)
			if err != nil {
				return openai.ChatCompletionMessage{}, err
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		case llm.PartTypeAudio:
			return openai.ChatCompletionMessage{}, llm.NewValidationError("audio input is not supported by chat completions")
		default:
			return openai.ChatCompletionMessage{}, llm.NewValidationError("unknown content part type %q", p.Type)
		}
	}
	out.MultiContent = parts
	return out, nil
}

// imageURL returns the URL of an image part, inlining raw data as a data URL.
func imageURL(p llm.Part) (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if len(p.Data) == 0 {
		return "", llm.NewValidationError("image part has neither data nor url")
	}
	mime := p.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Data), nil
}

// FromOpenAIUsage converts OpenAI token usage.
func FromOpenAIUsage(u openai.Usage) *llm.Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return llm.NewUsage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}
