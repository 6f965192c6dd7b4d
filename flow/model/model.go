// Package model provides generative model adapters behind a single Provider
// interface. Adapters exist for OpenAI, Anthropic, and Google, plus a
// deterministic mock for tests and local development.
package model

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrConfiguration indicates a provider cannot be built from the current
// environment, e.g. a missing API key.
var ErrConfiguration = errors.New("provider configuration error")

// Request is one generation call.
type Request struct {
	// Prompt is the full prompt text.
	Prompt string

	// Model is the provider-specific model id.
	Model string

	// Timeout is the per-call deadline the adapter passes to its client.
	// The orchestrator additionally enforces this with an outer context
	// deadline, so adapters that ignore it are still bounded.
	Timeout time.Duration

	// Metadata is passed through to the client invocation for tracing.
	Metadata map[string]any
}

// Result is the normalized response from a provider.
type Result struct {
	Provider         string
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider generates text for prompts. Implementations must respect context
// cancellation; errors are unstructured and wrapped by the caller.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// WordCount approximates a token count as the whitespace-separated word
// count, never less than 1.
func WordCount(s string) int {
	n := len(strings.Fields(s))
	if n < 1 {
		return 1
	}
	return n
}

// JoinTextParts joins non-empty text parts with single spaces and strips
// surrounding whitespace. Providers that return content as a list of text
// blocks normalize through this.
func JoinTextParts(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}
