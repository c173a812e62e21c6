// Package openai adapts vendors that speak the OpenAI chat completions
// protocol: OpenAI itself plus Zhipu, Moonshot, Volcano Ark and DeepSeek.
package openai

import (
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
)

// Preset describes one OpenAI-compatible vendor.
type Preset struct {
	Name           string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Embedding      bool
	// Models lists the chat models the vendor documents.
	Models []string
	// StreamUsage requests a trailing usage chunk on streams.
	StreamUsage bool
}

// Presets lists the built-in OpenAI-compatible vendors.
var Presets = []Preset{
	{
		Name:           llm.ProviderOpenAI,
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Embedding:      true,
		StreamUsage:    true,
		Models:         []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3-mini"},
	},
	{
		Name:           llm.ProviderZhipu,
		BaseURL:        "https://open.bigmodel.cn/api/paas/v4",
		Model:          "glm-4",
		EmbeddingModel: "embedding-2",
		Embedding:      true,
		Models:         []string{"glm-4", "glm-4-plus", "glm-4-air", "glm-4-flash", "glm-4v"},
	},
	{
		Name:    llm.ProviderMoonshot,
		BaseURL: "https://api.moonshot.cn/v1",
		Model:   "moonshot-v1-8k",
		Models:  []string{"moonshot-v1-8k", "moonshot-v1-32k", "moonshot-v1-128k"},
	},
	{
		Name:           llm.ProviderVolcano,
		BaseURL:        "https://ark.cn-beijing.volces.com/api/v3",
		Model:          "doubao-lite-4k",
		EmbeddingModel: "doubao-embedding",
		Embedding:      true,
		Models: []string{
			"doubao-lite-4k", "doubao-lite-32k", "doubao-lite-128k",
			"doubao-pro-4k", "doubao-pro-32k", "doubao-pro-128k",
		},
	},
	{
		Name:    llm.ProviderDeepSeek,
		BaseURL: "https://api.deepseek.com/v1",
		Model:   "deepseek-chat",
		Models:  []string{"deepseek-chat", "deepseek-reasoner"},
	},
}

// PresetFor returns the preset registered under name.
func PresetFor(name string) (Preset, bool) {
	return lo.Find(Presets, func(p Preset) bool { return p.Name == name })
}

func init() {
	lo.ForEach(Presets, func(p Preset, _ int) {
		llm.MustRegister(p.Name, func(cfg llm.ProviderConfig) (llm.Adapter, error) {
			return NewAdapter(p, cfg)
		})
	})
}
