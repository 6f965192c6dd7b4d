package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a deterministic Provider for tests and local development.
//
// It echoes the node id and prompt length:
//
//	content = "Processed node=<node_id>; prompt_len=<len(prompt)>"
//
// Token counts are the word counts of the prompt and the content (min 1),
// so cost estimation stays deterministic.
//
// Optional knobs:
//   - Latency: sleep per call (context-aware), for cancellation tests
//   - Err: returned instead of a result, for failure injection
type MockProvider struct {
	// Latency delays each Generate call.
	Latency time.Duration

	// Err, if set, is returned by Generate instead of a result.
	Err error

	mu    sync.Mutex
	calls []Request
}

// NewMockProvider creates a MockProvider with no latency or error.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Name returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}

// Generate produces the deterministic echo response.
func (m *MockProvider) Generate(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if m.Err != nil {
		return Result{}, m.Err
	}

	nodeID := "unknown"
	if id, ok := req.Metadata["node_id"].(string); ok && id != "" {
		nodeID = id
	}
	content := fmt.Sprintf("Processed node=%s; prompt_len=%d", nodeID, len(req.Prompt))
	return Result{
		Provider:         m.Name(),
		Model:            req.Model,
		Content:          content,
		PromptTokens:     WordCount(req.Prompt),
		CompletionTokens: WordCount(content),
	}, nil
}

// Calls returns a copy of all requests seen so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
