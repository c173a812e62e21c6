// Package config turns loosely typed provider settings into the
// llm.ProviderConfig the client factory consumes.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Provider holds the settings for one provider.
type Provider struct {
	Provider       string        `yaml:"provider"`
	APIKey         string        `yaml:"api_key,omitempty"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	Model          string        `yaml:"model,omitempty"`
	EmbeddingModel string        `yaml:"embedding_model,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	MaxRetries     *int          `yaml:"max_retries,omitempty"`

	// Extra holds keys the core does not interpret. Adapters read the ones
	// they know, such as organization.
	Extra map[string]any `yaml:",inline"`
}

// FromMap builds a Provider from a generic map, for example a decoded
// YAML or JSON document. Values are coerced leniently: timeouts accept
// Go durations ("45s") or plain seconds, max_retries accepts numbers or
// numeric strings. Unknown keys go into Extra.
func FromMap(m map[string]any) (*Provider, error) {
	p := &Provider{}
	for k, v := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		var err error
		switch key {
		case "provider":
			p.Provider, err = cast.ToStringE(v)
		case "api_key":
			p.APIKey, err = cast.ToStringE(v)
		case "base_url", "host":
			p.BaseURL, err = cast.ToStringE(v)
		case "model":
			p.Model, err = cast.ToStringE(v)
		case "embedding_model":
			p.EmbeddingModel, err = cast.ToStringE(v)
		case "timeout":
			p.Timeout, err = toDuration(v)
		case "connect_timeout":
			p.ConnectTimeout, err = toDuration(v)
		case "max_retries":
			var n int
			if n, err = cast.ToIntE(v); err == nil {
				p.MaxRetries = &n
			}
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]any)
			}
			p.Extra[k] = v
		}
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
	}
	return p, nil
}

// FromYAML decodes a provider document.
func FromYAML(data []byte) (*Provider, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}
	return FromMap(m)
}

// toDuration accepts a time.Duration, a duration string, or seconds.
func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		s := strings.TrimSpace(d)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return cast.ToDurationE(s)
		}
		v = s
	}
	seconds, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative duration %v", v)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// WithEnv returns a copy of p with values set in the environment applied
// on top. Environment values take precedence.
func (p Provider) WithEnv() (Provider, error) {
	env := FromEnv(p.Provider)
	out := p
	out.Extra = lo.Assign(p.Extra)
	if err := mergo.Merge(&out, env, mergo.WithOverride); err != nil {
		return p, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return out, nil
}

// Validate checks the settings the factory cannot default.
func (p Provider) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return llm.NewValidationError("provider is required")
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return llm.NewValidationError("max_retries must not be negative")
	}
	return nil
}

// ProviderConfig converts p for client.New.
func (p Provider) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:       strings.ToLower(p.Provider),
		APIKey:         p.APIKey,
		BaseURL:        p.BaseURL,
		Model:          p.Model,
		EmbeddingModel: p.EmbeddingModel,
		Timeout:        p.Timeout,
		ConnectTimeout: p.ConnectTimeout,
		MaxRetries:     p.MaxRetries,
		Extra:          lo.Assign(p.Extra),
	}
}
