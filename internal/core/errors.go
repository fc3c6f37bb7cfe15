package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration kernel. Callers match with errors.Is.
var (
	// Definition errors, fatal before any run starts.
	ErrParse               = errors.New("malformed pipeline definition")
	ErrCycle               = errors.New("cycle detected in stage dependencies")
	ErrUnresolvedReference = errors.New("dependsOn references unknown stage")

	// Execution errors.
	ErrStepFailed     = errors.New("step exited non-zero")
	ErrStepTimeout    = errors.New("step execution timeout")
	ErrRunNotFound    = errors.New("run not found")
	ErrRunFinished    = errors.New("run already finished")
	ErrStalled        = errors.New("scheduler stalled: no runnable work and run not terminal")
	ErrArtifactExists = errors.New("artifact already exists")
)

// ParseError reports a malformed definition, naming the offending field.
type ParseError struct {
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Field, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func parseErrf(field, format string, args ...any) *ParseError {
	return &ParseError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// GraphError reports an invalid dependency graph. Err is ErrCycle or
// ErrUnresolvedReference; Stage names a stage involved.
type GraphError struct {
	Stage string
	Err   error
	Msg   string
}

func (e *GraphError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("graph: stage %q: %s: %v", e.Stage, e.Msg, e.Err)
	}
	return fmt.Sprintf("graph: stage %q: %v", e.Stage, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }
