package config

import (
	"os"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
)

// envName returns the environment variable for a provider setting,
// e.g. envName("moonshot", "API_KEY") is MOONSHOT_API_KEY.
func envName(provider, suffix string) string {
	return strings.ToUpper(provider) + "_" + suffix
}

// FromEnv reads <PROVIDER>_API_KEY, <PROVIDER>_BASE_URL and
// <PROVIDER>_MODEL. Ollama also honours OLLAMA_HOST, and OpenAI reads its
// organization from OPENAI_ORG_ID.
func FromEnv(provider string) Provider {
	name := strings.ToLower(strings.TrimSpace(provider))
	p := Provider{
		Provider: name,
		APIKey:   os.Getenv(envName(name, "API_KEY")),
		BaseURL:  os.Getenv(envName(name, "BASE_URL")),
		Model:    os.Getenv(envName(name, "MODEL")),
	}
	switch name {
	case llm.ProviderOllama:
		if host := os.Getenv("OLLAMA_HOST"); host != "" && p.BaseURL == "" {
			p.BaseURL = host
		}
	case llm.ProviderOpenAI:
		if org := os.Getenv("OPENAI_ORG_ID"); org != "" {
			p.Extra = map[string]any{"organization": org}
		}
	}
	return p
}

// DefaultProviderEnv names the provider used when a caller does not pick one.
const DefaultProviderEnv = "AI_AGENT_DEFAULT_PROVIDER"

// DefaultProvider returns the provider named by AI_AGENT_DEFAULT_PROVIDER,
// falling back to zhipu.
func DefaultProvider() string {
	if name := strings.ToLower(strings.TrimSpace(os.Getenv(DefaultProviderEnv))); name != "" {
		return name
	}
	return llm.ProviderZhipu
}
