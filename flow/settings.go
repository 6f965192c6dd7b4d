package flow

import (
	"os"
	"strconv"
)

// Settings carries process-wide configuration. Values are read from the
// environment with the same variable names the service has always used;
// load a .env file first if one is present.
type Settings struct {
	AppName     string
	ListenAddr  string
	DatabaseURL string

	LLMProvider       string
	LLMCheapModel     string
	LLMDefaultModel   string
	LLMExpensiveModel string

	LLMCheapPromptPer1K         float64
	LLMCheapCompletionPer1K     float64
	LLMDefaultPromptPer1K       float64
	LLMDefaultCompletionPer1K   float64
	LLMExpensivePromptPer1K     float64
	LLMExpensiveCompletionPer1K float64

	DefaultRunBudgetUSD            float64
	DefaultRunTimeoutS             int
	DefaultRunMaxSteps             int
	DefaultReflectionIntervalSteps int

	CostLedgerApp string
}

// DefaultSettings returns the built-in defaults without consulting the
// environment. Useful in tests.
func DefaultSettings() Settings {
	return Settings{
		AppName:     "taskflow",
		ListenAddr:  ":8080",
		DatabaseURL: "sqlite:///./data/taskflow.db",

		LLMProvider:       "mock",
		LLMCheapModel:     "mock-cheap",
		LLMDefaultModel:   "mock-default",
		LLMExpensiveModel: "mock-expensive",

		LLMCheapPromptPer1K:         0.0001,
		LLMCheapCompletionPer1K:     0.0002,
		LLMDefaultPromptPer1K:       0.0005,
		LLMDefaultCompletionPer1K:   0.001,
		LLMExpensivePromptPer1K:     0.002,
		LLMExpensiveCompletionPer1K: 0.004,

		DefaultRunBudgetUSD:            2.0,
		DefaultRunTimeoutS:             300,
		DefaultRunMaxSteps:             30,
		DefaultReflectionIntervalSteps: 2,

		CostLedgerApp: "taskflow",
	}
}

// LoadSettings reads settings from the environment, falling back to defaults
// for unset or malformed values.
func LoadSettings() Settings {
	s := DefaultSettings()
	s.AppName = envString("APP_NAME", s.AppName)
	s.ListenAddr = envString("LISTEN_ADDR", s.ListenAddr)
	s.DatabaseURL = envString("DATABASE_URL", s.DatabaseURL)

	s.LLMProvider = envString("LLM_PROVIDER", s.LLMProvider)
	s.LLMCheapModel = envString("LLM_CHEAP_MODEL", s.LLMCheapModel)
	s.LLMDefaultModel = envString("LLM_DEFAULT_MODEL", s.LLMDefaultModel)
	s.LLMExpensiveModel = envString("LLM_EXPENSIVE_MODEL", s.LLMExpensiveModel)

	s.LLMCheapPromptPer1K = envFloat("LLM_CHEAP_PROMPT_PER_1K", s.LLMCheapPromptPer1K)
	s.LLMCheapCompletionPer1K = envFloat("LLM_CHEAP_COMPLETION_PER_1K", s.LLMCheapCompletionPer1K)
	s.LLMDefaultPromptPer1K = envFloat("LLM_DEFAULT_PROMPT_PER_1K", s.LLMDefaultPromptPer1K)
	s.LLMDefaultCompletionPer1K = envFloat("LLM_DEFAULT_COMPLETION_PER_1K", s.LLMDefaultCompletionPer1K)
	s.LLMExpensivePromptPer1K = envFloat("LLM_EXPENSIVE_PROMPT_PER_1K", s.LLMExpensivePromptPer1K)
	s.LLMExpensiveCompletionPer1K = envFloat("LLM_EXPENSIVE_COMPLETION_PER_1K", s.LLMExpensiveCompletionPer1K)

	s.DefaultRunBudgetUSD = envFloat("DEFAULT_RUN_BUDGET_USD", s.DefaultRunBudgetUSD)
	s.DefaultRunTimeoutS = envInt("DEFAULT_RUN_TIMEOUT_S", s.DefaultRunTimeoutS)
	s.DefaultRunMaxSteps = envInt("DEFAULT_RUN_MAX_STEPS", s.DefaultRunMaxSteps)
	s.DefaultReflectionIntervalSteps = envInt("DEFAULT_REFLECTION_INTERVAL_STEPS", s.DefaultReflectionIntervalSteps)

	s.CostLedgerApp = envString("COST_LEDGER_APP", s.CostLedgerApp)
	return s
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
