package ollama

import (
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/ollama/ollama/api"
)

// ToOllamaMessages converts llm.Messages to Ollama chat message format.
func ToOllamaMessages(msgs []llm.Message) ([]api.Message, error) {
	result := make([]api.Message, 0, len(msgs))
	for i, msg := range msgs {
		ollamaMsg, err := ToOllamaMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		result = append(result, ollamaMsg)
	}
	return result, nil
}

// ToOllamaMessage converts a single llm.Message to Ollama format. Text parts
// are joined with newlines; images travel beside the text and must be inline.
func ToOllamaMessage(msg llm.Message) (api.Message, error) {
	var (
		content strings.Builder
		images  []api.ImageData
	)
	for _, part := range msg.Content {
		switch part.Type {
		case llm.PartTypeText:
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(part.Text)
		case llm.PartTypeImage:
			if len(part.Data) == 0 {
				return api.Message{}, llm.NewValidationError("ollama images must be inline data, not a url")
			}
			images = append(images, api.ImageData(part.Data))
		case llm.PartTypeAudio:
			return api.Message{}, llm.NewValidationError("audio input is not supported by ollama")
		default:
			return api.Message{}, llm.NewValidationError("unknown content part type %q", part.Type)
		}
	}

	switch msg.Role {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
	default:
		return api.Message{}, llm.NewValidationError("unknown role %q", msg.Role)
	}

	return api.Message{
		Role:    string(msg.Role),
		Content: content.String(),
		Images:  images,
	}, nil
}

// FromMetrics converts Ollama's eval counters into usage. Ollama only reports
// them on the final message.
func FromMetrics(m api.Metrics) *llm.Usage {
	if m.PromptEvalCount == 0 && m.EvalCount == 0 {
		return nil
	}
	return llm.NewUsage(m.PromptEvalCount, m.EvalCount, 0)
}

// toOptions maps call options onto Ollama's model options.
func toOptions(opts llm.CallOptions) map[string]any {
	out := make(map[string]any)
	if opts.Temperature != nil {
		out["temperature"] = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		out["num_predict"] = opts.MaxTokens
	}
	if len(opts.Stop) > 0 {
		out["stop"] = opts.Stop
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
