package core

import "time"

// Pipeline is a parsed definition: an ordered list of stages forming a DAG.
// Immutable once parsed.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// Stage is a named phase of the pipeline. It gates downstream stages via
// DependsOn and may target a protected environment.
type Stage struct {
	Name        string
	DependsOn   []string
	Condition   Condition
	Environment string
	Jobs        []Job
}

// Job is an ordered sequence of steps executed inside one isolated context.
type Job struct {
	Name  string
	Steps []Step
}

// StepKind tags the recognized step variants. Each kind declares its own
// parameter schema, validated at parse time.
type StepKind string

const (
	// StepRun executes a command line through a shell.
	StepRun StepKind = "run"
	// StepTool invokes a named executable directly, without shell
	// interpretation of its arguments.
	StepTool StepKind = "tool"
)

// Step is a single instruction inside a job.
type Step struct {
	Name string
	Kind StepKind

	// run parameters
	Command string
	Shell   string

	// tool parameters
	Tool string
	Args []string

	ContinueOnError bool
	Timeout         time.Duration
	Retries         int
	Env             map[string]string
}

// Condition is the predicate deciding whether a stage runs once all of its
// dependencies are terminal.
type Condition int

const (
	// CondSucceeded runs the stage only if every dependency succeeded. Default.
	CondSucceeded Condition = iota
	// CondAlways runs the stage regardless of dependency outcomes.
	CondAlways
	// CondOnFailure runs the stage only if at least one dependency failed.
	CondOnFailure
)

func (c Condition) String() string {
	switch c {
	case CondSucceeded:
		return "succeeded"
	case CondAlways:
		return "always"
	case CondOnFailure:
		return "on_failure"
	default:
		return "unknown"
	}
}

// StageByName returns the stage with the given name, or false.
func (p *Pipeline) StageByName(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// defaultStepTimeout bounds a single step when the definition gives none.
const defaultStepTimeout = 5 * time.Minute
