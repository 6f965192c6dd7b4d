package flow

import "errors"

// ErrNotFound is returned by stores when a requested run, step, or template
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoTemplate indicates that planning found no workflow template to
// instantiate a DAG from.
var ErrNoTemplate = errors.New("no workflow template available")

// StepError is the structured error recorded on failed steps and DAG nodes.
type StepError struct {
	Code    FailureCode    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// newStepError builds a StepError with a non-nil details map.
func newStepError(code FailureCode, message string, details map[string]any) *StepError {
	if details == nil {
		details = map[string]any{}
	}
	return &StepError{Code: code, Message: message, Details: details}
}

// asStepError classifies an arbitrary error: StepErrors pass through, any
// other error becomes an execution_error carrying the raw message.
func asStepError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return newStepError(CodeExecutionError, "Unhandled execution error", map[string]any{
		"raw_error": err.Error(),
	})
}
