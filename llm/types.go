package llm

import (
	"encoding/json"
	"time"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message represents a single message in a conversation.
// This is provider-neutral; adapters translate it into each vendor's wire shape.
type Message struct {
	Role    MessageRole `json:"role"`
	Content []Part      `json:"content"`
	Name    string      `json:"name,omitempty"`
}

// PartType tags the modality of a content part.
type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeAudio PartType = "audio"
)

// Part is one content part of a message. Text parts carry Text. Image and
// audio parts carry either inline Data with a MIMEType, or a URL.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// Text returns the concatenation of all text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// TextOnly reports whether every part of the message is text.
func (m Message) TextOnly() bool {
	for _, p := range m.Content {
		if p.Type != PartTypeText {
			return false
		}
	}
	return true
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TextPart returns a text content part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ImagePart returns an inline image content part.
func ImagePart(data []byte, mimeType string) Part {
	return Part{Type: PartTypeImage, Data: data, MIMEType: mimeType}
}

// ImageURLPart returns an image content part referenced by URL.
func ImageURLPart(url string) Part {
	return Part{Type: PartTypeImage, URL: url}
}

// AudioPart returns an inline audio content part.
func AudioPart(data []byte, mimeType string) Part {
	return Part{Type: PartTypeAudio, Data: data, MIMEType: mimeType}
}

// NewTextMessage creates a new message with a single text part.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:    role,
		Content: []Part{TextPart(text)},
	}
}

// SystemMessage creates a system message.
func SystemMessage(text string) Message { return NewTextMessage(RoleSystem, text) }

// UserMessage creates a user message.
func UserMessage(text string) Message { return NewTextMessage(RoleUser, text) }

// AssistantMessage creates an assistant message.
func AssistantMessage(text string) Message { return NewTextMessage(RoleAssistant, text) }

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonToolCall      FinishReason = "tool_call"
	FinishReasonError         FinishReason = "error"
)

// NormalizeFinishReason maps the vendor spellings onto the common set.
// Unknown non-empty values map to stop.
func NormalizeFinishReason(s string) FinishReason {
	switch s {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence", "eos":
		return FinishReasonStop
	case "length", "max_tokens", "model_length":
		return FinishReasonLength
	case "content_filter", "sensitive", "refusal":
		return FinishReasonContentFilter
	case "tool_calls", "tool_call", "tool_use", "function_call":
		return FinishReasonToolCall
	case "error", "network_error":
		return FinishReasonError
	default:
		return FinishReasonStop
	}
}

// CallOptions holds per-call generation and retry parameters.
// Zero values are filled in from the client defaults.
type CallOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
	Stop        []string

	// Extra is forwarded verbatim into the vendor request body.
	Extra map[string]any

	MaxRetries *int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
)

// Float returns a pointer to v, for optional CallOptions fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for optional CallOptions fields.
func Int(v int) *int { return &v }

// Retries returns the effective retry budget.
func (o CallOptions) Retries() int {
	if o.MaxRetries == nil {
		return DefaultMaxRetries
	}
	if *o.MaxRetries < 0 {
		return 0
	}
	return *o.MaxRetries
}

// Response represents a complete chat response.
type Response struct {
	Content      string
	FinishReason FinishReason
	Usage        *Usage
	Model        string
	Attempts     int
	Raw          json.RawMessage
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// NewUsage builds a Usage, deriving the total when the vendor omits it.
func NewUsage(prompt, completion, total int) *Usage {
	if total == 0 {
		total = prompt + completion
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// Chunk is one item of a streamed chat response. FinishReason is empty on
// every chunk except the final one.
type Chunk struct {
	Delta        string
	FinishReason FinishReason
	Index        int
	Usage        *Usage
}

// Terminal reports whether this is the final chunk of its stream.
func (c Chunk) Terminal() bool {
	return c.FinishReason != ""
}

// Embedding is a single embedding vector.
type Embedding struct {
	Vector     []float32
	Dimensions int
	Model      string
}

// StreamEvent is what an adapter extracts from one raw vendor event.
type StreamEvent struct {
	Delta        string
	FinishReason FinishReason
	Usage        *Usage
	// Done is set when the vendor's end-of-stream sentinel was seen.
	Done bool
	// Skip marks keep-alive or bookkeeping events that carry nothing.
	Skip bool
}
