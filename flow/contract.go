package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract is the per-node execution policy. Pointer fields and nil slices
// distinguish "not set, use the default" from an explicit zero: a contract
// with AllowedTools == []string{} permits no tools at all, while nil falls
// back to the default tool list.
type Contract struct {
	AllowedTools         []string       `json:"allowed_tools,omitempty"`
	TimeoutS             *int           `json:"timeout_s,omitempty"`
	MaxRetries           *int           `json:"max_retries,omitempty"`
	ModelPreference      string         `json:"model_preference,omitempty"`
	ExpectedOutputSchema map[string]any `json:"expected_output_schema,omitempty"`
}

// Contract defaults applied when a field is unset.
const (
	DefaultTimeoutS   = 30
	DefaultMaxRetries = 2
)

// DefaultAllowedTools is the tool list used when a contract does not set one.
var DefaultAllowedTools = []string{"llm.generate"}

// ToolList returns the allowed tools, defaulting when unset. An empty
// non-nil list is respected as "no tools allowed".
func (c Contract) ToolList() []string {
	if c.AllowedTools == nil {
		return DefaultAllowedTools
	}
	return c.AllowedTools
}

// Allows reports whether the contract permits the given tool.
func (c Contract) Allows(tool string) bool {
	for _, t := range c.ToolList() {
		if t == tool {
			return true
		}
	}
	return false
}

// TimeoutSeconds returns the step timeout, defaulting when unset.
func (c Contract) TimeoutSeconds() int {
	if c.TimeoutS != nil {
		return *c.TimeoutS
	}
	return DefaultTimeoutS
}

// RetryLimit returns the max retry count, defaulting when unset.
func (c Contract) RetryLimit() int {
	if c.MaxRetries != nil {
		return *c.MaxRetries
	}
	return DefaultMaxRetries
}

// Preference returns the model preference, defaulting to "default".
func (c Contract) Preference() string {
	if c.ModelPreference == "" {
		return PreferenceDefault
	}
	return c.ModelPreference
}

func (c Contract) clone() Contract {
	out := c
	if c.AllowedTools != nil {
		out.AllowedTools = append([]string{}, c.AllowedTools...)
	}
	if c.TimeoutS != nil {
		v := *c.TimeoutS
		out.TimeoutS = &v
	}
	if c.MaxRetries != nil {
		v := *c.MaxRetries
		out.MaxRetries = &v
	}
	if c.ExpectedOutputSchema != nil {
		raw, err := json.Marshal(c.ExpectedOutputSchema)
		if err == nil {
			var copied map[string]any
			if json.Unmarshal(raw, &copied) == nil {
				out.ExpectedOutputSchema = copied
			}
		}
	}
	return out
}

// genericOutputSchema accepts any step output with a summary, a confidence in
// [0, 1], and an artifacts map. Extra fields are permitted.
var genericOutputSchema = map[string]any{
	"type":     "object",
	"required": []any{"summary", "confidence"},
	"properties": map[string]any{
		"summary":    map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"artifacts":  map[string]any{"type": "object"},
	},
}

// outputSchemaRegistry maps node ids to their output schema. The planner and
// executor nodes currently share the generic shape; the registry keeps the
// seam so they can diverge.
var outputSchemaRegistry = map[string]map[string]any{
	"understand_task":    genericOutputSchema,
	"execute_task":       genericOutputSchema,
	"synthesize_results": genericOutputSchema,
}

// OutputSchema returns the JSON schema for a node's output: the contract's
// expected_output_schema when present, the registered schema for known node
// ids, and the generic schema otherwise.
func (c Contract) OutputSchema(nodeID string) map[string]any {
	if len(c.ExpectedOutputSchema) > 0 {
		return c.ExpectedOutputSchema
	}
	if s, ok := outputSchemaRegistry[nodeID]; ok {
		return s
	}
	return genericOutputSchema
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[string]*jsonschema.Schema{}
)

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if s, ok := schemaCache[key]; ok {
		return s, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache[key] = schema
	return schema, nil
}

// ValidateOutput checks a step output against the node's output schema. A
// failure is reported as a schema_error StepError carrying the validator's
// message.
func (c Contract) ValidateOutput(nodeID string, output map[string]any) *StepError {
	schema, err := compileSchema(c.OutputSchema(nodeID))
	if err != nil {
		return newStepError(CodeSchemaError, "Output schema is invalid", map[string]any{
			"validation_error": err.Error(),
		})
	}

	// Round-trip through JSON so Go-native values (ints, typed maps) are
	// normalized to the types the validator expects.
	raw, err := json.Marshal(output)
	if err != nil {
		return newStepError(CodeSchemaError, "Step output is not JSON-serializable", map[string]any{
			"validation_error": err.Error(),
		})
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return newStepError(CodeSchemaError, "Step output is not valid JSON", map[string]any{
			"validation_error": err.Error(),
		})
	}
	if err := schema.Validate(doc); err != nil {
		return newStepError(CodeSchemaError, "Step output schema validation failed", map[string]any{
			"validation_error": err.Error(),
		})
	}
	return nil
}
