// Package google adapts the Gemini API to model.Provider.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/taskflow-go/flow/model"
)

// Provider implements model.Provider for Google's Gemini models.
type Provider struct {
	apiKey string
	client client
}

// invocation is the fully-resolved call handed to the underlying client.
type invocation struct {
	APIKey   string
	Model    string
	Prompt   string
	Timeout  time.Duration
	Metadata map[string]any
}

// completion is the raw client response before normalization.
type completion struct {
	Parts            []string
	PromptTokens     int
	CompletionTokens int
}

// client abstracts the genai SDK call so tests can capture invocations.
type client interface {
	invoke(ctx context.Context, inv invocation) (completion, error)
}

// New creates a Google provider.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GOOGLE_API_KEY must be set", model.ErrConfiguration)
	}
	return &Provider{apiKey: apiKey, client: &sdkClient{}}, nil
}

// Name returns "google".
func (p *Provider) Name() string {
	return "google"
}

// Generate calls the Gemini API and normalizes the response.
func (p *Provider) Generate(ctx context.Context, req model.Request) (model.Result, error) {
	if err := ctx.Err(); err != nil {
		return model.Result{}, err
	}
	out, err := p.client.invoke(ctx, invocation{
		APIKey:   p.apiKey,
		Model:    req.Model,
		Prompt:   req.Prompt,
		Timeout:  req.Timeout,
		Metadata: req.Metadata,
	})
	if err != nil {
		return model.Result{}, fmt.Errorf("google generate: %w", err)
	}

	content := model.JoinTextParts(out.Parts)
	promptTokens := out.PromptTokens
	if promptTokens == 0 {
		promptTokens = model.WordCount(req.Prompt)
	}
	completionTokens := out.CompletionTokens
	if completionTokens == 0 {
		completionTokens = model.WordCount(content)
	}
	return model.Result{
		Provider:         p.Name(),
		Model:            req.Model,
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}, nil
}

// sdkClient invokes the official generative-ai-go SDK.
type sdkClient struct{}

func (c *sdkClient) invoke(ctx context.Context, inv invocation) (completion, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(inv.APIKey))
	if err != nil {
		return completion{}, err
	}
	defer cl.Close()

	gm := cl.GenerativeModel(inv.Model)
	resp, err := gm.GenerateContent(ctx, genai.Text(inv.Prompt))
	if err != nil {
		return completion{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return completion{}, errors.New("empty response from gemini")
	}

	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	out := completion{Parts: parts}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
