// Package anthropic adapts Anthropic's Messages API to model.Provider.
package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/taskflow-go/flow/model"
)

const defaultMaxTokens = 1024

// Provider implements model.Provider for Anthropic's Messages API.
//
// The anthropic API key, per-call timeout, and request metadata are passed
// through to every client invocation. Response content arrives as a list of
// text blocks and is joined with single spaces and stripped.
type Provider struct {
	apiKey string
	client client
}

// invocation is the fully-resolved call handed to the underlying client.
type invocation struct {
	AnthropicAPIKey string
	Model           string
	Prompt          string
	Timeout         time.Duration
	Metadata        map[string]any
}

// completion is the raw client response before normalization.
type completion struct {
	Parts            []string
	PromptTokens     int
	CompletionTokens int
}

// client abstracts the Anthropic SDK call so tests can capture invocations.
type client interface {
	invoke(ctx context.Context, inv invocation) (completion, error)
}

// New creates an Anthropic provider.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY must be set", model.ErrConfiguration)
	}
	return &Provider{apiKey: apiKey, client: &sdkClient{}}, nil
}

// Name returns "anthropic".
func (p *Provider) Name() string {
	return "anthropic"
}

// Generate calls the Messages API and normalizes the response.
func (p *Provider) Generate(ctx context.Context, req model.Request) (model.Result, error) {
	if err := ctx.Err(); err != nil {
		return model.Result{}, err
	}
	out, err := p.client.invoke(ctx, invocation{
		AnthropicAPIKey: p.apiKey,
		Model:           req.Model,
		Prompt:          req.Prompt,
		Timeout:         req.Timeout,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return model.Result{}, fmt.Errorf("anthropic generate: %w", err)
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

// sdkClient invokes the official Anthropic SDK.
type sdkClient struct{}

func (c *sdkClient) invoke(ctx context.Context, inv invocation) (completion, error) {
	opts := []option.RequestOption{option.WithAPIKey(inv.AnthropicAPIKey)}
	if inv.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(inv.Timeout))
	}
	cl := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(inv.Model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(inv.Prompt)),
		},
	}
	// The Messages API metadata only carries a user id; forward the run id
	// when present so requests correlate in the Anthropic console.
	if runID, ok := inv.Metadata["run_id"].(string); ok && runID != "" {
		params.Metadata = anthropic.MetadataParam{
			UserID: anthropic.String(runID),
		}
	}

	message, err := cl.Messages.New(ctx, params)
	if err != nil {
		return completion{}, err
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return completion{
		Parts:            parts,
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
	}, nil
}
