package flow

import (
	"fmt"
	"os"
	"strings"

	"github.com/dshills/taskflow-go/flow/model"
	"github.com/dshills/taskflow-go/flow/model/anthropic"
	"github.com/dshills/taskflow-go/flow/model/google"
	"github.com/dshills/taskflow-go/flow/model/openai"
)

// BuildProvider constructs the model provider named by settings.LLMProvider.
// API keys are read from the conventional environment variables.
func BuildProvider(settings Settings) (model.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(settings.LLMProvider)) {
	case "", "mock":
		return model.NewMockProvider(), nil
	case "openai":
		return openai.New(os.Getenv("OPENAI_API_KEY"))
	case "anthropic":
		return anthropic.New(os.Getenv("ANTHROPIC_API_KEY"))
	case "google":
		return google.New(os.Getenv("GOOGLE_API_KEY"))
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", settings.LLMProvider)
	}
}
