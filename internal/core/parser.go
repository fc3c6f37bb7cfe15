package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Wire types for the YAML definition format. Kept separate from the parsed
// model so unmarshalling stays dumb and validation happens in one place.
type yamlPipeline struct {
	Name   string      `yaml:"name"`
	Stages []yamlStage `yaml:"stages"`
}

type yamlStage struct {
	Name        string    `yaml:"name"`
	DependsOn   []string  `yaml:"dependsOn"`
	Condition   string    `yaml:"condition"`
	Environment string    `yaml:"environment"`
	Jobs        []yamlJob `yaml:"jobs"`
}

type yamlJob struct {
	Name  string     `yaml:"name"`
	Steps []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Shell           string            `yaml:"shell"`
	Tool            string            `yaml:"tool"`
	Args            []string          `yaml:"args"`
	ContinueOnError bool              `yaml:"continueOnError"`
	Timeout         string            `yaml:"timeout"`
	Retries         int               `yaml:"retries"`
	Env             map[string]string `yaml:"env"`
}

// Parse turns YAML definition bytes into an immutable Pipeline. Malformed
// documents fail with a *ParseError naming the offending field.
func Parse(data []byte) (*Pipeline, error) {
	if len(data) == 0 {
		return nil, parseErrf("pipeline", "empty definition")
	}

	var raw yamlPipeline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, parseErrf("pipeline", "invalid YAML: %v", err)
	}

	if raw.Name == "" {
		return nil, parseErrf("pipeline.name", "required")
	}
	if len(raw.Stages) == 0 {
		return nil, parseErrf("pipeline.stages", "at least one stage required")
	}

	p := &Pipeline{Name: raw.Name}
	seen := make(map[string]bool, len(raw.Stages))
	for i, rs := range raw.Stages {
		stage, err := parseStage(rs, i)
		if err != nil {
			return nil, err
		}
		if seen[stage.Name] {
			return nil, parseErrf(stagePath(i)+".name", "duplicate stage %q", stage.Name)
		}
		seen[stage.Name] = true
		p.Stages = append(p.Stages, stage)
	}
	return p, nil
}

// Load reads and parses a pipeline definition file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition %s: %w", path, err)
	}
	return Parse(data)
}

func stagePath(i int) string { return fmt.Sprintf("stages[%d]", i) }

func parseStage(rs yamlStage, i int) (Stage, error) {
	path := stagePath(i)
	if rs.Name == "" {
		return Stage{}, parseErrf(path+".name", "required")
	}
	cond, err := parseCondition(rs.Condition)
	if err != nil {
		return Stage{}, parseErrf(path+".condition", "%v", err)
	}
	if len(rs.Jobs) == 0 {
		return Stage{}, parseErrf(path+".jobs", "stage %q has no jobs", rs.Name)
	}

	stage := Stage{
		Name:        rs.Name,
		DependsOn:   rs.DependsOn,
		Condition:   cond,
		Environment: rs.Environment,
	}
	seen := make(map[string]bool, len(rs.Jobs))
	for j, rj := range rs.Jobs {
		job, err := parseJob(rj, fmt.Sprintf("%s.jobs[%d]", path, j))
		if err != nil {
			return Stage{}, err
		}
		if seen[job.Name] {
			return Stage{}, parseErrf(fmt.Sprintf("%s.jobs[%d].name", path, j),
				"duplicate job %q in stage %q", job.Name, rs.Name)
		}
		seen[job.Name] = true
		stage.Jobs = append(stage.Jobs, job)
	}
	return stage, nil
}

func parseJob(rj yamlJob, path string) (Job, error) {
	if rj.Name == "" {
		return Job{}, parseErrf(path+".name", "required")
	}
	if len(rj.Steps) == 0 {
		return Job{}, parseErrf(path+".steps", "job %q has no steps", rj.Name)
	}
	job := Job{Name: rj.Name}
	for k, rstep := range rj.Steps {
		step, err := parseStep(rstep, fmt.Sprintf("%s.steps[%d]", path, k))
		if err != nil {
			return Job{}, err
		}
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

func parseStep(rs yamlStep, path string) (Step, error) {
	step := Step{
		Name:            rs.Name,
		ContinueOnError: rs.ContinueOnError,
		Retries:         rs.Retries,
		Env:             rs.Env,
		Timeout:         defaultStepTimeout,
	}

	// Exactly one recognized kind per step.
	switch {
	case rs.Run != "" && rs.Tool != "":
		return Step{}, parseErrf(path, "step declares both run and tool")
	case rs.Run != "":
		step.Kind = StepRun
		step.Command = rs.Run
		step.Shell = rs.Shell
		if step.Shell == "" {
			step.Shell = "sh"
		}
	case rs.Tool != "":
		step.Kind = StepTool
		step.Tool = rs.Tool
		step.Args = rs.Args
		if rs.Shell != "" {
			return Step{}, parseErrf(path+".shell", "shell is only valid for run steps")
		}
	default:
		return Step{}, parseErrf(path, "step must declare run or tool")
	}

	if rs.Args != nil && step.Kind != StepTool {
		return Step{}, parseErrf(path+".args", "args are only valid for tool steps")
	}
	if rs.Retries < 0 {
		return Step{}, parseErrf(path+".retries", "must be >= 0, got %d", rs.Retries)
	}
	if rs.Timeout != "" {
		d, err := time.ParseDuration(rs.Timeout)
		if err != nil {
			return Step{}, parseErrf(path+".timeout", "invalid duration %q", rs.Timeout)
		}
		if d <= 0 {
			return Step{}, parseErrf(path+".timeout", "must be positive")
		}
		step.Timeout = d
	}
	return step, nil
}

func parseCondition(s string) (Condition, error) {
	switch s {
	case "", "succeeded":
		return CondSucceeded, nil
	case "always":
		return CondAlways, nil
	case "on_failure":
		return CondOnFailure, nil
	default:
		return 0, fmt.Errorf("unknown condition %q (want succeeded, always or on_failure)", s)
	}
}
