// Package tongyi adapts Alibaba DashScope's native generation protocol used
// by the Qwen (Tongyi Qianwen) models.
package tongyi

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL        = "https://dashscope.aliyuncs.com/api/v1"
	DefaultModel          = "qwen-turbo"
	DefaultEmbeddingModel = "text-embedding-v1"

	generationPath = "/services/aigc/text-generation/generation"
	embeddingPath  = "/services/embeddings/text-embedding/text-embedding"
)

var models = []string{
	"qwen-turbo",
	"qwen-plus",
	"qwen-max",
	"qwen-max-1201",
	"qwen-max-longcontext",
	"qwen1.5-72b-chat",
	"qwen1.5-14b-chat",
	"qwen1.5-7b-chat",
}

// Adapter speaks DashScope's text-generation and text-embedding services.
type Adapter struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
}

var (
	_ llm.Adapter     = (*Adapter)(nil)
	_ llm.Embedder    = (*Adapter)(nil)
	_ llm.ModelLister = (*Adapter)(nil)
)

func init() {
	llm.MustRegister(llm.ProviderTongyi, func(cfg llm.ProviderConfig) (llm.Adapter, error) {
		return NewAdapter(cfg)
	})
}

// NewAdapter creates a DashScope adapter. The API key is required.
func NewAdapter(cfg llm.ProviderConfig) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tongyi: API key is required (set TONGYI_API_KEY)")
	}
	return &Adapter{
		apiKey:         cfg.APIKey,
		baseURL:        strings.TrimRight(lo.CoalesceOrEmpty(cfg.BaseURL, DefaultBaseURL), "/"),
		model:          lo.CoalesceOrEmpty(cfg.Model, DefaultModel),
		embeddingModel: lo.CoalesceOrEmpty(cfg.EmbeddingModel, DefaultEmbeddingModel),
	}, nil
}

// Name implements llm.Adapter.
func (a *Adapter) Name() string { return llm.ProviderTongyi }

// BaseURL implements llm.Adapter.
func (a *Adapter) BaseURL() string { return a.baseURL }

// SupportsEmbedding implements llm.Adapter.
func (a *Adapter) SupportsEmbedding() bool { return true }

// SupportedModels implements llm.ModelLister.
func (a *Adapter) SupportedModels() []string { return slices.Clone(models) }

func (a *Adapter) header(stream bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
		h.Set("X-DashScope-SSE", "enable")
	} else {
		h.Set("Accept", "application/json")
	}
	return h
}

// classifyCode maps a DashScope error code onto an error kind.
func classifyCode(code string) (llm.ErrorKind, bool) {
	switch {
	case strings.HasPrefix(code, "Throttling"):
		return llm.KindRateLimit, true
	case code == "InvalidApiKey" || code == "AccessDenied" || strings.HasPrefix(code, "Unauthorized"):
		return llm.KindAuthentication, true
	case code == "InvalidParameter" || code == "DataInspectionFailed" || code == "Arrearage":
		return llm.KindAPI, true
	case code == "InternalError" || strings.HasPrefix(code, "InternalError."):
		return llm.KindServer, true
	}
	return "", false
}

// ClassifyHTTPStatus implements llm.Adapter.
func (a *Adapter) ClassifyHTTPStatus(status int, body []byte) llm.ErrorKind {
	if kind, ok := classifyCode(gjson.GetBytes(body, "code").String()); ok {
		return kind
	}
	return llm.DefaultClassify(status)
}
