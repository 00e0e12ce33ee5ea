package provider

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"
)

// ScriptExecutionError is returned when a compiled script fails while it runs. Cause is the error raised
// by the host code the script called.
type ScriptExecutionError struct {
	ScriptPath string
	Backtrace  string
	Cause      error
}

func (e *ScriptExecutionError) Error() string {
	if e.Backtrace != "" {
		return fmt.Sprintf("%s failed:\n%s", e.ScriptPath, e.Backtrace)
	}
	return fmt.Sprintf("%s failed: %v", e.ScriptPath, e.Cause)
}

func (e *ScriptExecutionError) Unwrap() error {
	return e.Cause
}

func executionError(scriptPath string, err error) error {
	if err == nil {
		return nil
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		cause := evalErr.Unwrap()
		if cause == nil {
			cause = evalErr
		}

		return &ScriptExecutionError{
			ScriptPath: scriptPath,
			Backtrace:  evalErr.Backtrace(),
			Cause:      cause,
		}
	}

	return &ScriptExecutionError{ScriptPath: scriptPath, Cause: err}
}
