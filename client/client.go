// Package client is the unified entry point: one Client per provider, with
// chat, streaming and embedding calls that share admission control, retry
// and pooled transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/unillm/config"
	ctxpkg "github.com/aschepis/backscratcher/unillm/context"
	"github.com/aschepis/backscratcher/unillm/llm"
	"github.com/aschepis/backscratcher/unillm/llm/governor"
	"github.com/aschepis/backscratcher/unillm/llm/retry"
	"github.com/aschepis/backscratcher/unillm/llm/transport"
	"github.com/aschepis/backscratcher/unillm/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	// Built-in adapters register themselves.
	_ "github.com/aschepis/backscratcher/unillm/llm/anthropic"
	_ "github.com/aschepis/backscratcher/unillm/llm/ollama"
	_ "github.com/aschepis/backscratcher/unillm/llm/openai"
	_ "github.com/aschepis/backscratcher/unillm/llm/tongyi"
)

// Executor performs one wire exchange. *transport.Transport is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, req *llm.WireRequest) (*llm.WireResponse, error)
}

// LLM is the provider independent interface callers program against.
type LLM interface {
	Chat(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) (*llm.Response, error)
	Stream(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) (*Stream, error)
	Embedding(ctx context.Context, text string, opts *llm.CallOptions) (*llm.Embedding, error)
	Embeddings(ctx context.Context, texts []string, opts *llm.CallOptions) ([]llm.Embedding, error)

	ChatAsync(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) <-chan ChatResult
	StreamAsync(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) <-chan StreamResult
	EmbeddingAsync(ctx context.Context, text string, opts *llm.CallOptions) <-chan EmbeddingResult
	EmbeddingsAsync(ctx context.Context, texts []string, opts *llm.CallOptions) <-chan EmbeddingsResult

	Provider() string
	SupportedModels() []string
	Close() error
}

// Client talks to one provider. It is safe for concurrent use.
type Client struct {
	name      string
	apiKey    string
	model     string
	adapter   llm.Adapter
	exec      Executor
	transport *transport.Transport
	gov       *governor.Governor
	govCfg    governor.Config
	defaults  llm.CallOptions
	policy    retry.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	closeOnce sync.Once
}

var _ LLM = (*Client)(nil)

// dimensions remembers the vector size seen per provider and model.
var dimensions sync.Map

// New creates a Client for a registered provider. Provider names are case
// insensitive. No network I/O happens here.
func New(provider string, cfg llm.ProviderConfig, opts ...Option) (*Client, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	ctor, ok := llm.Lookup(name)
	if !ok {
		return nil, llm.NewUnknownProviderError(provider, llm.Providers())
	}
	cfg.Provider = name

	if err := mergo.Merge(&cfg, llm.ProviderConfig{
		Timeout:        llm.DefaultTimeout,
		ConnectTimeout: transport.DefaultConnectTimeout,
	}); err != nil {
		return nil, llm.NewValidationError("merge provider defaults: %v", err)
	}

	adapter, err := ctor(cfg)
	if err != nil {
		e := llm.NewValidationError("%s", llm.Redact(err.Error(), cfg.APIKey))
		e.Provider = name
		return nil, e
	}

	c := &Client{
		name:    name,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		adapter: adapter,
		defaults: llm.CallOptions{
			Model:       cfg.Model,
			Temperature: llm.Float(llm.DefaultTemperature),
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			BaseDelay:   llm.DefaultBaseDelay,
			MaxDelay:    llm.DefaultMaxDelay,
		},
		logger: logger.Component(logger.Default(), "llm_client"),
		tracer: defaultTracer(),
	}
	if c.defaults.MaxRetries == nil {
		c.defaults.MaxRetries = llm.Int(llm.DefaultMaxRetries)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("provider", name).Logger()

	if c.exec == nil {
		tr, err := transport.New(adapter.BaseURL(), transport.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.Timeout,
			Logger:         &c.logger,
		})
		if err != nil {
			e := llm.NewValidationError("invalid base url: %v", err)
			e.Provider = name
			return nil, e
		}
		c.exec = tr
		c.transport = tr
	}
	c.gov = governor.New(c.govCfg)

	c.logger.Debug().
		Str("base_url", adapter.BaseURL()).
		Int("concurrency", c.gov.Limit()).
		Msg("client created")
	return c, nil
}

// Auto creates a Client configured from the environment. An empty provider
// resolves to config.DefaultProvider.
func Auto(provider string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(provider) == "" {
		provider = config.DefaultProvider()
	}
	settings := config.FromEnv(provider)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return New(settings.Provider, settings.ProviderConfig(), opts...)
}

// Provider returns the registered provider name.
func (c *Client) Provider() string { return c.name }

// SupportedModels lists the models the provider documents, or nil when the
// adapter does not publish a list.
func (c *Client) SupportedModels() []string {
	if lister, ok := c.adapter.(llm.ModelLister); ok {
		return lister.SupportedModels()
	}
	return nil
}

// Close drops this client's reference to the shared host pool.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.transport != nil {
			err = c.transport.Close()
		}
	})
	return err
}

// resolve fills zero fields of opts from the client defaults.
func (c *Client) resolve(opts *llm.CallOptions) llm.CallOptions {
	var call llm.CallOptions
	if opts != nil {
		call = *opts
	}
	if err := mergo.Merge(&call, c.defaults); err != nil {
		c.logger.Warn().Err(err).Msg("failed to merge call defaults")
	}
	return call
}

func (c *Client) retryPolicy(call llm.CallOptions, l *zerolog.Logger) retry.Policy {
	p := retry.PolicyFrom(call)
	p.Jitter = c.policy.Jitter
	p.ServerMaxDelay = c.policy.ServerMaxDelay
	p.OnRetry = c.policy.OnRetry
	p.Logger = l
	return p
}

// begin tags the call with a request id, starts its span and returns a
// logger carrying both.
func (c *Client) begin(ctx context.Context, op string, call llm.CallOptions) (context.Context, trace.Span, zerolog.Logger) {
	id := ctxpkg.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = ctxpkg.WithRequestID(ctx, id)
	}
	model := call.Model
	if model == "" {
		model = c.model
	}
	ctx, span := c.startSpan(ctx, op, model)
	l := c.logger.With().Str("request_id", id).Str("op", op).Logger()
	return ctx, span, l
}

// finish stamps the provider on err and scrubs the credential from it.
func (c *Client) finish(err error) error {
	var e *llm.Error
	if errors.As(err, &e) {
		if e.Provider == "" {
			e.Provider = c.name
		}
		e.Message = llm.Redact(e.Message, c.apiKey)
	}
	return err
}

// callError normalizes an executor failure for the retry controller.
func callError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var e *llm.Error
	if errors.As(err, &e) {
		return err
	}
	return llm.NewTransportError(err)
}

func debugPayload(ctx context.Context, payload []byte) {
	if cb, ok := ctxpkg.GetDebugCallback(ctx); ok {
		cb(string(payload))
	}
}

// Chat sends messages and waits for the complete response.
func (c *Client) Chat(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) (*llm.Response, error) {
	if len(messages) == 0 {
		return nil, c.finish(llm.NewValidationError("messages must not be empty"))
	}
	call := c.resolve(opts)
	ctx, span, l := c.begin(ctx, "chat", call)
	defer span.End()
	start := time.Now()

	release, err := c.gov.Acquire(ctx)
	if err != nil {
		return nil, c.fail(span, l, c.finish(err))
	}
	defer release()

	resp, err := retry.Do(ctx, c.retryPolicy(call, &l), func(ctx context.Context, attempt int) (*llm.Response, error) {
		req, err := c.adapter.BuildRequest(messages, call, false)
		if err != nil {
			return nil, err
		}
		wire, err := c.exec.Execute(ctx, req)
		if err != nil {
			return nil, callError(ctx, err)
		}
		debugPayload(ctx, wire.Body)
		if !wire.OK() {
			return nil, llm.ErrorFromResponse(c.adapter, wire)
		}
		resp, err := c.adapter.ParseResponse(wire)
		if err != nil {
			return nil, err
		}
		if resp.Model == "" {
			resp.Model = req.Model
		}
		resp.Attempts = attempt
		return resp, nil
	})
	if err != nil {
		return nil, c.fail(span, l, c.finish(err))
	}

	recordResponse(span, resp, time.Since(start))
	l.Debug().
		Int("attempts", resp.Attempts).
		Str("finish_reason", string(resp.FinishReason)).
		Dur("duration", time.Since(start)).
		Msg("chat completed")
	return resp, nil
}

// Embedding returns the embedding vector for text. Providers without an
// embedding endpoint fail before any admission or network call.
func (c *Client) Embedding(ctx context.Context, text string, opts *llm.CallOptions) (*llm.Embedding, error) {
	embs, err := c.embed(ctx, "embedding", []string{text}, opts)
	if err != nil {
		return nil, err
	}
	return &embs[0], nil
}

// Embeddings embeds every text in one request and returns the vectors in
// input order.
func (c *Client) Embeddings(ctx context.Context, texts []string, opts *llm.CallOptions) ([]llm.Embedding, error) {
	return c.embed(ctx, "embeddings", texts, opts)
}

func (c *Client) embed(ctx context.Context, op string, texts []string, opts *llm.CallOptions) ([]llm.Embedding, error) {
	embedder, ok := c.adapter.(llm.Embedder)
	if !c.adapter.SupportsEmbedding() || !ok {
		return nil, c.finish(llm.NewUnsupportedOperationError(c.name, "embedding"))
	}
	if len(texts) == 0 {
		return nil, c.finish(llm.NewValidationError("embedding input must not be empty"))
	}
	for i, text := range texts {
		if text == "" {
			return nil, c.finish(llm.NewValidationError("embedding input %d must not be empty", i))
		}
	}
	call := c.resolve(opts)
	// The chat model default does not apply to embeddings.
	if opts == nil || opts.Model == "" {
		call.Model = ""
	}
	ctx, span, l := c.begin(ctx, op, call)
	defer span.End()

	release, err := c.gov.Acquire(ctx)
	if err != nil {
		return nil, c.fail(span, l, c.finish(err))
	}
	defer release()

	embs, err := retry.Do(ctx, c.retryPolicy(call, &l), func(ctx context.Context, attempt int) ([]llm.Embedding, error) {
		req, err := embedder.BuildEmbeddingRequest(texts, call)
		if err != nil {
			return nil, err
		}
		wire, err := c.exec.Execute(ctx, req)
		if err != nil {
			return nil, callError(ctx, err)
		}
		debugPayload(ctx, wire.Body)
		if !wire.OK() {
			return nil, llm.ErrorFromResponse(c.adapter, wire)
		}
		embs, err := embedder.ParseEmbeddingResponse(wire)
		if err != nil {
			return nil, err
		}
		if len(embs) != len(texts) {
			return nil, llm.NewProtocolError(
				fmt.Sprintf("embedding response has %d vectors for %d inputs", len(embs), len(texts)), nil)
		}
		for i := range embs {
			if embs[i].Model == "" {
				embs[i].Model = req.Model
			}
		}
		return embs, nil
	})
	if err != nil {
		return nil, c.fail(span, l, c.finish(err))
	}

	for i := range embs {
		if err := c.checkDimensions(&embs[i]); err != nil {
			return nil, c.fail(span, l, c.finish(err))
		}
	}
	return embs, nil
}

// checkDimensions enforces a constant vector size per provider and model.
func (c *Client) checkDimensions(emb *llm.Embedding) error {
	if emb.Dimensions == 0 {
		emb.Dimensions = len(emb.Vector)
	}
	key := c.name + "/" + emb.Model
	seen, loaded := dimensions.LoadOrStore(key, emb.Dimensions)
	if loaded && seen.(int) != emb.Dimensions {
		return llm.NewProtocolError(
			"embedding dimensions changed for "+key,
			errors.New("vector size differs from earlier responses"),
		)
	}
	return nil
}

// fail records err on the span and logs it.
func (c *Client) fail(span trace.Span, l zerolog.Logger, err error) error {
	recordError(span, err)
	ev := l.Warn().Err(err)
	var e *llm.Error
	if errors.As(err, &e) {
		ev = ev.Str("kind", string(e.Kind)).Int("attempts", e.Attempts)
	}
	ev.Msg("call failed")
	return err
}
