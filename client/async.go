package client

import (
	"context"

	"github.com/aschepis/backscratcher/unillm/llm"
)

// ChatResult is delivered by ChatAsync.
type ChatResult struct {
	Response *llm.Response
	Err      error
}

// StreamResult is delivered by StreamAsync.
type StreamResult struct {
	Stream *Stream
	Err    error
}

// EmbeddingResult is delivered by EmbeddingAsync.
type EmbeddingResult struct {
	Embedding *llm.Embedding
	Err       error
}

// ChatAsync runs Chat in the background. The channel yields exactly one
// result and is then closed.
func (c *Client) ChatAsync(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) <-chan ChatResult {
	out := make(chan ChatResult, 1)
	go func() {
		defer close(out)
		resp, err := c.Chat(ctx, messages, opts)
		out <- ChatResult{Response: resp, Err: err}
	}()
	return out
}

// StreamAsync opens a stream in the background. The receiver owns the
// stream and must close it.
func (c *Client) StreamAsync(ctx context.Context, messages []llm.Message, opts *llm.CallOptions) <-chan StreamResult {
	out := make(chan StreamResult, 1)
	go func() {
		defer close(out)
		s, err := c.Stream(ctx, messages, opts)
		out <- StreamResult{Stream: s, Err: err}
	}()
	return out
}

// EmbeddingAsync runs Embedding in the background.
func (c *Client) EmbeddingAsync(ctx context.Context, text string, opts *llm.CallOptions) <-chan EmbeddingResult {
	out := make(chan EmbeddingResult, 1)
	go func() {
		defer close(out)
		emb, err := c.Embedding(ctx, text, opts)
		out <- EmbeddingResult{Embedding: emb, Err: err}
	}()
	return out
}

// EmbeddingsResult is delivered by EmbeddingsAsync.
type EmbeddingsResult struct {
	Embeddings []llm.Embedding
	Err        error
}

// EmbeddingsAsync runs Embeddings in the background.
func (c *Client) EmbeddingsAsync(ctx context.Context, texts []string, opts *llm.CallOptions) <-chan EmbeddingsResult {
	out := make(chan EmbeddingsResult, 1)
	go func() {
		defer close(out)
		embs, err := c.Embeddings(ctx, texts, opts)
		out <- EmbeddingsResult{Embeddings: embs, Err: err}
	}()
	return out
}
