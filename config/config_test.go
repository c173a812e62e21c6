package config

import (
	"errors"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/unillm/llm"
)

func TestFromMap(t *testing.T) {
	p, err := FromMap(map[string]any{
		"provider":     "Zhipu",
		"api_key":      "k",
		"base_url":     "https://example.com/v4",
		"model":        "glm-4-flash",
		"timeout":      "45s",
		"max_retries":  "5",
		"organization": "org-1",
		"top_p":        0.9,
	})
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	if p.Provider != "Zhipu" || p.APIKey != "k" || p.Model != "glm-4-flash" {
		t.Errorf("Unexpected provider %+v", p)
	}
	if p.Timeout != 45*time.Second {
		t.Errorf("Expected 45s timeout, got %v", p.Timeout)
	}
	if p.MaxRetries == nil || *p.MaxRetries != 5 {
		t.Errorf("Expected max_retries 5, got %v", p.MaxRetries)
	}
	if p.Extra["organization"] != "org-1" || p.Extra["top_p"] != 0.9 {
		t.Errorf("Expected unknown keys in Extra, got %v", p.Extra)
	}

	cfg := p.ProviderConfig()
	if cfg.Provider != "zhipu" || cfg.Timeout != 45*time.Second || *cfg.MaxRetries != 5 {
		t.Errorf("Unexpected provider config %+v", cfg)
	}
	cfg.Extra["top_p"] = 0.1
	if p.Extra["top_p"] != 0.9 {
		t.Error("Expected ProviderConfig to copy Extra")
	}
}

func TestFromMap_Durations(t *testing.T) {
	tests := []struct {
		in   any
		want time.Duration
	}{
		{30, 30 * time.Second},
		{1.5, 1500 * time.Millisecond},
		{"20", 20 * time.Second},
		{"2m", 2 * time.Minute},
		{5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		p, err := FromMap(map[string]any{"timeout": tt.in})
		if err != nil {
			t.Errorf("timeout %v: %v", tt.in, err)
			continue
		}
		if p.Timeout != tt.want {
			t.Errorf("timeout %v = %v, want %v", tt.in, p.Timeout, tt.want)
		}
	}

	for _, bad := range []any{"soon", -1, []string{"x"}} {
		if _, err := FromMap(map[string]any{"timeout": bad}); err == nil {
			t.Errorf("Expected error for timeout %v", bad)
		}
	}
	if _, err := FromMap(map[string]any{"max_retries": "many"}); err == nil {
		t.Error("Expected error for non-numeric max_retries")
	}
}

func TestFromYAML(t *testing.T) {
	doc := []byte(`
provider: ollama
host: gpu-box:11434
model: qwen2.5
timeout: 120
keep_alive: 5m
`)
	p, err := FromYAML(doc)
	if err != nil {
		t.Fatalf("FromYAML failed: %v", err)
	}
	if p.BaseURL != "gpu-box:11434" || p.Timeout != 2*time.Minute {
		t.Errorf("Unexpected provider %+v", p)
	}
	if p.Extra["keep_alive"] != "5m" {
		t.Errorf("Expected keep_alive in Extra, got %v", p.Extra)
	}

	if _, err := FromYAML([]byte("provider: [")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MOONSHOT_API_KEY", "ms-key")
	t.Setenv("MOONSHOT_BASE_URL", "https://proxy.local/v1")
	t.Setenv("MOONSHOT_MODEL", "moonshot-v1-32k")

	p := FromEnv("Moonshot")
	if p.Provider != "moonshot" || p.APIKey != "ms-key" || p.BaseURL != "https://proxy.local/v1" || p.Model != "moonshot-v1-32k" {
		t.Errorf("Unexpected provider %+v", p)
	}

	t.Setenv("OLLAMA_BASE_URL", "")
	t.Setenv("OLLAMA_HOST", "http://10.0.0.2:11434")
	if got := FromEnv("ollama").BaseURL; got != "http://10.0.0.2:11434" {
		t.Errorf("Expected OLLAMA_HOST fallback, got %q", got)
	}

	t.Setenv("OPENAI_ORG_ID", "org-x")
	if got := FromEnv("openai").Extra["organization"]; got != "org-x" {
		t.Errorf("Expected organization from env, got %v", got)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "from-env")
	t.Setenv("DEEPSEEK_BASE_URL", "")
	t.Setenv("DEEPSEEK_MODEL", "")

	p := Provider{Provider: "deepseek", APIKey: "from-file", Model: "deepseek-reasoner", Extra: map[string]any{"a": 1}}
	out, err := p.WithEnv()
	if err != nil {
		t.Fatalf("WithEnv failed: %v", err)
	}
	if out.APIKey != "from-env" {
		t.Errorf("Expected env to override the key, got %q", out.APIKey)
	}
	if out.Model != "deepseek-reasoner" {
		t.Errorf("Expected unset env to keep the model, got %q", out.Model)
	}
	if p.APIKey != "from-file" {
		t.Error("Expected WithEnv not to modify the receiver")
	}
}

func TestValidate(t *testing.T) {
	if err := (Provider{}).Validate(); !errors.Is(err, llm.ErrValidation) {
		t.Errorf("Expected validation error for missing provider, got %v", err)
	}
	if err := (Provider{Provider: "openai", MaxRetries: llm.Int(-1)}).Validate(); !errors.Is(err, llm.ErrValidation) {
		t.Errorf("Expected validation error for negative retries, got %v", err)
	}
	if err := (Provider{Provider: "openai"}).Validate(); err != nil {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestDefaultProvider(t *testing.T) {
	t.Setenv(DefaultProviderEnv, "")
	if got := DefaultProvider(); got != llm.ProviderZhipu {
		t.Errorf("Expected zhipu fallback, got %q", got)
	}
	t.Setenv(DefaultProviderEnv, " Moonshot ")
	if got := DefaultProvider(); got != "moonshot" {
		t.Errorf("Expected moonshot from env, got %q", got)
	}
}
