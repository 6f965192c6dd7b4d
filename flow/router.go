package flow

// Workload identifies which phase of the control loop is asking for a model.
type Workload string

const (
	WorkloadPlanner    Workload = "planner"
	WorkloadExecutor   Workload = "executor"
	WorkloadReflection Workload = "reflection"
	WorkloadSynthesis  Workload = "synthesis"
)

// Model preference values accepted in step contracts.
const (
	PreferenceCheap     = "cheap"
	PreferenceDefault   = "default"
	PreferenceExpensive = "expensive"
)

// ModelRouter selects a concrete model id for a workload or an explicit
// per-step preference.
//
// Planner work routes to the cheap model, reflection and synthesis to the
// expensive one, and everything else to the default.
type ModelRouter struct {
	settings Settings
}

// NewModelRouter creates a router over the configured model ids.
func NewModelRouter(settings Settings) *ModelRouter {
	return &ModelRouter{settings: settings}
}

// ForWorkload returns the model id for a workload.
func (r *ModelRouter) ForWorkload(workload Workload) string {
	switch workload {
	case WorkloadPlanner:
		return r.settings.LLMCheapModel
	case WorkloadReflection, WorkloadSynthesis:
		return r.settings.LLMExpensiveModel
	default:
		return r.settings.LLMDefaultModel
	}
}

// ForStep resolves a per-step model preference. An explicit cheap, default,
// or expensive preference wins; any other value falls back to the workload
// default.
func (r *ModelRouter) ForStep(preference string, fallback Workload) string {
	switch preference {
	case PreferenceCheap:
		return r.settings.LLMCheapModel
	case PreferenceExpensive:
		return r.settings.LLMExpensiveModel
	case PreferenceDefault:
		return r.settings.LLMDefaultModel
	default:
		return r.ForWorkload(fallback)
	}
}
