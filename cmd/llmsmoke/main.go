// Command llmsmoke sends one prompt through the unified client, for checking
// provider credentials and connectivity by hand.
//
//	OPENAI_API_KEY=... llmsmoke -provider openai -prompt "hello"
//	llmsmoke -config ollama.yaml -stream -prompt "hello"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/unillm/client"
	"github.com/aschepis/backscratcher/unillm/config"
	llmctx "github.com/aschepis/backscratcher/unillm/context"
	"github.com/aschepis/backscratcher/unillm/llm"
	unillmlogger "github.com/aschepis/backscratcher/unillm/logger"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		provider   = flag.String("provider", "", "Provider name (openai, zhipu, moonshot, volcano, deepseek, anthropic, ollama, tongyi). Defaults to $AI_AGENT_DEFAULT_PROVIDER or zhipu")
		configPath = flag.String("config", "", "Path to a provider YAML document. Environment variables override its values")
		model      = flag.String("model", "", "Model override")
		prompt     = flag.String("prompt", "Say hello in one short sentence.", "Prompt to send")
		system     = flag.String("system", "", "Optional system prompt")
		stream     = flag.Bool("stream", false, "Stream the reply")
		embed      = flag.Bool("embed", false, "Embed the prompt instead of chatting")
		models     = flag.Bool("models", false, "List the provider's documented models and exit")
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout")
		debug      = flag.Bool("debug", false, "Log raw vendor payloads")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}
	logger, err := unillmlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	settings, err := loadSettings(*configPath, *provider)
	if err != nil {
		return err
	}
	if *model != "" {
		settings.Model = *model
	}

	c, err := client.New(settings.Provider, settings.ProviderConfig(), client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // Nothing to do about close errors on exit

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if *debug {
		ctx = llmctx.WithDebugCallback(ctx, func(payload string) {
			logger.Debug().Str("payload", payload).Msg("Raw payload")
		})
	}

	if *models {
		for _, m := range c.SupportedModels() {
			fmt.Println(m)
		}
		return nil
	}

	if *embed {
		emb, err := c.Embedding(ctx, *prompt, nil)
		if err != nil {
			return err
		}
		fmt.Printf("model=%s dimensions=%d\n", emb.Model, emb.Dimensions)
		return nil
	}

	messages := []llm.Message{llm.UserMessage(*prompt)}
	if *system != "" {
		messages = append([]llm.Message{llm.SystemMessage(*system)}, messages...)
	}
	if *stream {
		return streamReply(ctx, c, messages, logger)
	}

	resp, err := c.Chat(ctx, messages, nil)
	if err != nil {
		return err
	}
	fmt.Println(resp.Content)
	logUsage(logger, resp.FinishReason, resp.Usage, resp.Attempts)
	return nil
}

// loadSettings reads the YAML document when given, then applies the
// environment for the chosen provider.
func loadSettings(path, provider string) (config.Provider, error) {
	settings := config.Provider{Provider: provider}
	if path != "" {
		//nolint:gosec // G304: User-specified config path is intentional
		data, err := os.ReadFile(path)
		if err != nil {
			return settings, fmt.Errorf("failed to read %s: %w", path, err)
		}
		p, err := config.FromYAML(data)
		if err != nil {
			return settings, err
		}
		if provider != "" {
			p.Provider = provider
		}
		settings = *p
	}
	if settings.Provider == "" {
		settings.Provider = config.DefaultProvider()
	}
	settings, err := settings.WithEnv()
	if err != nil {
		return settings, err
	}
	return settings, settings.Validate()
}

func streamReply(ctx context.Context, c *client.Client, messages []llm.Message, logger zerolog.Logger) error {
	s, err := c.Stream(ctx, messages, nil)
	if err != nil {
		return err
	}
	for ch, err := range s.All() {
		if err != nil {
			fmt.Println()
			return err
		}
		fmt.Print(ch.Delta)
		if ch.Terminal() {
			fmt.Println()
			logUsage(logger, ch.FinishReason, ch.Usage, 0)
		}
	}
	return nil
}

func logUsage(logger zerolog.Logger, finish llm.FinishReason, usage *llm.Usage, attempts int) {
	ev := logger.Info().Str("finish_reason", string(finish))
	if attempts > 0 {
		ev = ev.Int("attempts", attempts)
	}
	if usage != nil {
		ev = ev.Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens)
	}
	ev.Msg("Reply complete")
}
