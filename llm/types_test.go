package llm

import (
	"encoding/json"
	"testing"
)

func TestNewTextMessage(t *testing.T) {
	msg := NewTextMessage(RoleUser, "Hello, world!")
	if msg.Role != RoleUser {
		t.Errorf("Expected role %v, got %v", RoleUser, msg.Role)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("Expected 1 content part, got %d", len(msg.Content))
	}
	if msg.Content[0].Type != PartTypeText {
		t.Errorf("Expected text part type, got %v", msg.Content[0].Type)
	}
	if msg.Text() != "Hello, world!" {
		t.Errorf("Expected text 'Hello, world!', got %q", msg.Text())
	}
	if !msg.TextOnly() {
		t.Error("Expected text-only message")
	}
}

func TestMessageWithImage(t *testing.T) {
	msg := Message{
		Role:    RoleUser,
		Content: []Part{TextPart("what is this? "), ImagePart([]byte{0x89, 0x50}, "image/png")},
	}
	if msg.TextOnly() {
		t.Error("Expected mixed message not to be text-only")
	}
	if msg.Text() != "what is this? " {
		t.Errorf("Unexpected text %q", msg.Text())
	}
}

func TestMessageToJSON(t *testing.T) {
	msg := SystemMessage("be brief")
	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Role != RoleSystem || decoded.Text() != "be brief" {
		t.Errorf("Unexpected decoded message: %+v", decoded)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := map[string]FinishReason{
		"":               "",
		"stop":           FinishReasonStop,
		"end_turn":       FinishReasonStop,
		"max_tokens":     FinishReasonLength,
		"length":         FinishReasonLength,
		"tool_calls":     FinishReasonToolCall,
		"tool_use":       FinishReasonToolCall,
		"content_filter": FinishReasonContentFilter,
		"sensitive":      FinishReasonContentFilter,
		"whatever":       FinishReasonStop,
	}
	for in, want := range tests {
		if got := NormalizeFinishReason(in); got != want {
			t.Errorf("NormalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCallOptionsRetries(t *testing.T) {
	if (CallOptions{}).Retries() != DefaultMaxRetries {
		t.Errorf("Expected default retries %d", DefaultMaxRetries)
	}
	if (CallOptions{MaxRetries: Int(0)}).Retries() != 0 {
		t.Error("Expected explicit zero retries to be kept")
	}
	if (CallOptions{MaxRetries: Int(-2)}).Retries() != 0 {
		t.Error("Expected negative retries to clamp to zero")
	}
}

func TestNewUsage(t *testing.T) {
	u := NewUsage(10, 5, 0)
	if u.TotalTokens != 15 {
		t.Errorf("Expected derived total 15, got %d", u.TotalTokens)
	}
	u = NewUsage(10, 5, 20)
	if u.TotalTokens != 20 {
		t.Errorf("Expected reported total 20, got %d", u.TotalTokens)
	}
}
