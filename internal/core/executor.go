package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor spawns step processes. The isolation boundary around the process
// (container, VM) is an external collaborator; the executor only needs the
// exit status and the emitted output.
type Executor struct {
	// KillGrace is how long a signalled process gets to exit before it is
	// forcefully terminated.
	KillGrace time.Duration
}

// DefaultKillGrace bounds shutdown latency for cancelled steps.
const DefaultKillGrace = 10 * time.Second

func NewExecutor(killGrace time.Duration) *Executor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Executor{KillGrace: killGrace}
}

// StepResult captures the outcome of one step attempt.
type StepResult struct {
	ExitCode int
	Err      error
}

// RunStep executes a single step, streaming combined stdout/stderr to out.
// The step's timeout bounds the attempt; on cancellation the process is sent
// SIGTERM and killed after KillGrace.
func (e *Executor) RunStep(ctx context.Context, step Step, out io.Writer) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch step.Kind {
	case StepRun:
		cmd = exec.CommandContext(stepCtx, step.Shell, "-c", step.Command)
	case StepTool:
		cmd = exec.CommandContext(stepCtx, step.Tool, step.Args...)
	default:
		return StepResult{ExitCode: -1, Err: fmt.Errorf("unknown step kind %q", step.Kind)}
	}

	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()
	for k, v := range step.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Cooperative stop first, hard kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.KillGrace

	err := cmd.Run()
	if err == nil {
		return StepResult{ExitCode: 0}
	}

	exit := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exit = exitErr.ExitCode()
	}
	switch {
	case ctx.Err() != nil:
		// Outer cancellation, not a step failure.
		return StepResult{ExitCode: exit, Err: ctx.Err()}
	case stepCtx.Err() == context.DeadlineExceeded:
		return StepResult{ExitCode: exit, Err: fmt.Errorf("after %s: %w", step.Timeout, ErrStepTimeout)}
	default:
		return StepResult{ExitCode: exit, Err: fmt.Errorf("exit %d: %w", exit, ErrStepFailed)}
	}
}
