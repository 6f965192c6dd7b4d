package flow

import "context"

// DefaultTemplateID identifies the built-in linear template.
const DefaultTemplateID = "template.default.v1"

// DefaultTemplate returns the baseline linear DAG: understand the task,
// execute it, synthesize the results.
func DefaultTemplate() Template {
	graph := DAG{
		Nodes: []Node{
			{
				ID:          "understand_task",
				Name:        "Understand Task",
				Description: "Clarify objective, constraints, and success criteria.",
				DependsOn:   []string{},
			},
			{
				ID:          "execute_task",
				Name:        "Execute Task",
				Description: "Perform core execution work to satisfy the user request.",
				DependsOn:   []string{"understand_task"},
			},
			{
				ID:          "synthesize_results",
				Name:        "Synthesize Results",
				Description: "Assemble outputs into final response artifacts.",
				DependsOn:   []string{"execute_task"},
			},
		},
		Edges: []Edge{
			{Source: "understand_task", Target: "execute_task"},
			{Source: "execute_task", Target: "synthesize_results"},
		},
	}
	contracts := map[string]Contract{
		"understand_task":    {ModelPreference: PreferenceCheap, MaxRetries: intPtr(1)},
		"execute_task":       {ModelPreference: PreferenceDefault, MaxRetries: intPtr(2)},
		"synthesize_results": {ModelPreference: PreferenceExpensive, MaxRetries: intPtr(1)},
	}
	return Template{
		ID:          DefaultTemplateID,
		Name:        "Default Taskflow Template",
		Version:     "1.0.0",
		Description: "A baseline linear DAG for planning, execution, and synthesis.",
		Graph:       graph,
		Contracts:   contracts,
	}
}

// SeedTemplates upserts the built-in templates into the store. Idempotent.
func SeedTemplates(ctx context.Context, store Store) error {
	return store.UpsertTemplate(ctx, DefaultTemplate())
}

func intPtr(v int) *int { return &v }
