package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderZhipu     = "zhipu"
	ProviderMoonshot  = "moonshot"
	ProviderVolcano   = "volcano"
	ProviderDeepSeek  = "deepseek"
	ProviderTongyi    = "tongyi"
)

// ProviderConfig holds what a constructor needs to build an adapter.
type ProviderConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	// Timeout is the read budget per request.
	Timeout time.Duration
	// ConnectTimeout bounds establishing a new connection.
	ConnectTimeout time.Duration
	MaxRetries     *int
	// Extra holds vendor specific settings, e.g. an OpenAI organization.
	Extra map[string]any
}

// Constructor builds an adapter from configuration. It must not perform I/O.
type Constructor func(cfg ProviderConfig) (Adapter, error)

// registry is the process-wide provider name table. Names are case-insensitive.
type registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

var providers = &registry{ctors: make(map[string]Constructor)}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a provider constructor. Built-in adapters register
// themselves from init. Registering a name twice is an error.
func Register(name string, ctor Constructor) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("provider name is required")
	}
	if ctor == nil {
		return fmt.Errorf("provider %s: constructor is nil", key)
	}

	providers.mu.Lock()
	defer providers.mu.Unlock()
	if _, exists := providers.ctors[key]; exists {
		return fmt.Errorf("provider %s is already registered", key)
	}
	providers.ctors[key] = ctor
	return nil
}

// MustRegister is Register for use from init functions.
func MustRegister(name string, ctor Constructor) {
	if err := Register(name, ctor); err != nil {
		panic(err)
	}
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, bool) {
	providers.mu.RLock()
	defer providers.mu.RUnlock()
	ctor, ok := providers.ctors[normalize(name)]
	return ctor, ok
}

// Providers returns the registered provider names in sorted order.
func Providers() []string {
	providers.mu.RLock()
	names := lo.Keys(providers.ctors)
	providers.mu.RUnlock()
	sort.Strings(names)
	return names
}

// IsRegistered checks if a provider name is known.
func IsRegistered(name string) bool {
	_, ok := Lookup(name)
	return ok
}
