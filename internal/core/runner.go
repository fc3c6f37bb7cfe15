package core

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// ArtifactSink receives streamed step output keyed by run and node. Writes
// must be incremental so partial logs survive a crash.
type ArtifactSink interface {
	Create(runID, nodeID, name string) (io.WriteCloser, error)
}

// StepFailure records a step that failed but did not fail its job because
// continueOnError was set.
type StepFailure struct {
	Job      string `json:"job"`
	Step     string `json:"step"`
	ExitCode int    `json:"exitCode"`
}

// JobResult is the outcome of one job inside a stage.
type JobResult struct {
	Job        string
	Failed     bool
	FailedStep string
	ExitCode   int
	Err        error
	// Continued lists failures tolerated via continueOnError.
	Continued []StepFailure
}

// StageResult is the outcome of running all jobs of a stage.
type StageResult struct {
	Stage     string
	Failed    bool
	Cancelled bool
	Detail    string
	Jobs      []JobResult
}

// Runner executes a stage's jobs sequentially, each job's steps strictly in
// order, streaming output to the artifact sink.
type Runner struct {
	exec *Executor
	sink ArtifactSink
	log  *zap.Logger
}

func NewRunner(exec *Executor, sink ArtifactSink, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{exec: exec, sink: sink, log: log}
}

// RunStage runs every job of the stage. The first failed job aborts the
// remaining jobs and fails the stage.
func (r *Runner) RunStage(ctx context.Context, runID string, stage Stage) StageResult {
	res := StageResult{Stage: stage.Name}
	for _, job := range stage.Jobs {
		jr := r.runJob(ctx, runID, stage.Name, job)
		res.Jobs = append(res.Jobs, jr)
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}
		if jr.Failed {
			res.Failed = true
			if jr.FailedStep == "" {
				// Failed before any step ran, e.g. the artifact stream could
				// not be opened. Report the actual error, not a phantom step.
				res.Detail = fmt.Sprintf("job %q failed: %v", jr.Job, jr.Err)
			} else {
				res.Detail = fmt.Sprintf("job %q failed at step %q (exit %d)", jr.Job, jr.FailedStep, jr.ExitCode)
			}
			return res
		}
	}
	return res
}

func (r *Runner) runJob(ctx context.Context, runID, stageName string, job Job) JobResult {
	res := JobResult{Job: job.Name}

	out, err := r.sink.Create(runID, stageName, job.Name+".log")
	if err != nil {
		res.Failed = true
		res.Err = fmt.Errorf("opening artifact stream: %w", err)
		return res
	}
	defer out.Close()

	for i, step := range job.Steps {
		name := stepName(step, i)
		fmt.Fprintf(out, "--- step %s\n", name)

		sr := r.runStepWithRetries(ctx, step, name, out)
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if sr.Err == nil {
			continue
		}

		r.log.Warn("step failed",
			zap.String("run", runID),
			zap.String("stage", stageName),
			zap.String("job", job.Name),
			zap.String("step", name),
			zap.Int("exit", sr.ExitCode),
			zap.Error(sr.Err))

		if step.ContinueOnError {
			// Record and move on; job status is unaffected.
			fmt.Fprintf(out, "--- step %s failed (exit %d), continuing\n", name, sr.ExitCode)
			res.Continued = append(res.Continued, StepFailure{
				Job: job.Name, Step: name, ExitCode: sr.ExitCode,
			})
			continue
		}

		// Fail fast: abort the remaining steps of this job.
		fmt.Fprintf(out, "--- step %s failed (exit %d), aborting job\n", name, sr.ExitCode)
		res.Failed = true
		res.FailedStep = name
		res.ExitCode = sr.ExitCode
		res.Err = sr.Err
		return res
	}
	return res
}

// runStepWithRetries retries a failed step up to step.Retries times. Every
// attempt's output lands in the same artifact stream.
func (r *Runner) runStepWithRetries(ctx context.Context, step Step, name string, out io.Writer) StepResult {
	var sr StepResult
	for attempt := 0; attempt <= step.Retries; attempt++ {
		if attempt > 0 {
			fmt.Fprintf(out, "--- step %s retry %d/%d\n", name, attempt, step.Retries)
		}
		sr = r.exec.RunStep(ctx, step, out)
		if sr.Err == nil || ctx.Err() != nil {
			return sr
		}
	}
	return sr
}

func stepName(step Step, i int) string {
	if step.Name != "" {
		return step.Name
	}
	return fmt.Sprintf("#%d", i+1)
}
