package flow

import "math"

// CostEstimate is the token-and-dollar cost of one model call.
type CostEstimate struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	USD              float64
}

// CostEstimator prices model calls from the configured per-1K token rates.
// Rates are looked up by model id: the configured cheap and expensive model
// ids get their tier rates, everything else is priced at the default tier.
type CostEstimator struct {
	settings Settings
}

// NewCostEstimator creates an estimator over the configured rates.
func NewCostEstimator(settings Settings) *CostEstimator {
	return &CostEstimator{settings: settings}
}

// Estimate prices a call. USD is rounded to 8 decimal places.
func (e *CostEstimator) Estimate(model string, promptTokens, completionTokens int) CostEstimate {
	promptRate, completionRate := e.ratesForModel(model)
	usd := (float64(promptTokens)/1000)*promptRate + (float64(completionTokens)/1000)*completionRate
	return CostEstimate{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		USD:              roundUSD(usd),
	}
}

func (e *CostEstimator) ratesForModel(model string) (float64, float64) {
	switch model {
	case e.settings.LLMCheapModel:
		return e.settings.LLMCheapPromptPer1K, e.settings.LLMCheapCompletionPer1K
	case e.settings.LLMExpensiveModel:
		return e.settings.LLMExpensivePromptPer1K, e.settings.LLMExpensiveCompletionPer1K
	default:
		return e.settings.LLMDefaultPromptPer1K, e.settings.LLMDefaultCompletionPer1K
	}
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
