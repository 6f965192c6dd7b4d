// Package openai adapts the OpenAI chat completions API to model.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/taskflow-go/flow/model"
)

// Provider implements model.Provider for OpenAI's chat completions API.
//
// The API key, per-call timeout, and request metadata are passed through to
// every client invocation. Content returned as a list of text parts is
// joined with single spaces and stripped.
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

// client abstracts the OpenAI SDK call so tests can capture invocations.
type client interface {
	invoke(ctx context.Context, inv invocation) (completion, error)
}

// New creates an OpenAI provider.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY must be set", model.ErrConfiguration)
	}
	return &Provider{apiKey: apiKey, client: &sdkClient{}}, nil
}

// Name returns "openai".
func (p *Provider) Name() string {
	return "openai"
}

// Generate calls the chat completions API and normalizes the response.
func (p *Provider) Generate(ctx context.Context, req Request) (model.Result, error) {
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
		return model.Result{}, fmt.Errorf("openai generate: %w", err)
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

// Request aliases model.Request so callers read naturally at the call site.
type Request = model.Request

// sdkClient invokes the official OpenAI SDK.
type sdkClient struct{}

func (c *sdkClient) invoke(ctx context.Context, inv invocation) (completion, error) {
	opts := []option.RequestOption{option.WithAPIKey(inv.APIKey)}
	if inv.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(inv.Timeout))
	}
	cl := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(inv.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(inv.Prompt),
		},
	}
	if len(inv.Metadata) > 0 {
		meta := make(shared.Metadata, len(inv.Metadata))
		for k, v := range inv.Metadata {
			meta[k] = fmt.Sprintf("%v", v)
		}
		params.Metadata = meta
	}

	resp, err := cl.Chat.Completions.New(ctx, params)
	if err != nil {
		return completion{}, err
	}
	if len(resp.Choices) == 0 {
		return completion{}, errors.New("empty response from openai")
	}
	return completion{
		Parts:            []string{resp.Choices[0].Message.Content},
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
