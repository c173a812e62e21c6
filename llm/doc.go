// Package llm provides a provider-neutral abstraction layer for Large Language Model (LLM) APIs.
//
// This package defines the common message model, the error taxonomy, the
// adapter contract and the process-wide provider table. It performs no I/O.
//
// # Core Concepts
//
//  1. Messages: The Message type carries a role (system, user, assistant, tool)
//     and a list of content parts (text, image, audio).
//
//  2. Adapters: An Adapter translates a chat call into a WireRequest and the
//     vendor's reply back into a Response or a sequence of StreamEvents.
//     Adapters that can embed also implement Embedder.
//
//  3. Registry: Register and Lookup map case-insensitive provider names to
//     Constructors. The client package imports the built-in adapters so they
//     register themselves.
//
//  4. Errors: The Error type classifies every failure into a Kind. The
//     package sentinels (ErrRateLimit, ErrValidation, ...) match with errors.Is.
//
// Usage Example
//
//	c, err := client.New("openai", llm.ProviderConfig{APIKey: key})
//	if err != nil {
//	    return err
//	}
//	resp, err := c.Chat(ctx, []llm.Message{llm.UserMessage("Hello!")}, nil)
//
// # Extension Points
//
// To add a new LLM provider:
//  1. Implement the Adapter interface (and Embedder if the vendor embeds)
//  2. Translate between vendor wire types and llm package types
//  3. Classify vendor error bodies in ClassifyHTTPStatus
//  4. Call llm.Register from the package init
package llm
