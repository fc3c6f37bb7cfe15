package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StageRunner executes one stage's jobs. Implementations must honor ctx
// cancellation and return within the executor's kill grace afterwards.
type StageRunner interface {
	RunStage(ctx context.Context, runID string, stage Stage) StageResult
}

// Decision is the outcome of an approval request.
type Decision struct {
	Approved bool
	Decider  string
	Reason   string
}

// ApprovalCoordinator mediates manual gates for stages targeting a protected
// environment. Request returns a channel yielding exactly one decision; the
// waiting node holds no worker slot.
type ApprovalCoordinator interface {
	RequiresApproval(environment string) bool
	Request(runID, stage, environment string) (<-chan Decision, error)
}

// TransitionRecorder receives every node state transition, e.g. for the
// append-only run journal.
type TransitionRecorder interface {
	Record(runID, node, from, to, detail string) error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Workers bounds how many stage nodes may hold Running simultaneously.
	Workers int
	// Grace bounds how long cancellation waits for in-flight stages before
	// the scheduler stops tracking them.
	Grace     time.Duration
	Runner    StageRunner
	Approvals ApprovalCoordinator
	Journal   TransitionRecorder
	Logger    *zap.Logger
}

const defaultWorkers = 4

// Scheduler walks a run's dependency graph, dispatching ready stage nodes to
// bounded workers. It is the single writer of node state: every transition is
// serialized through its control loop, so two dependents can never both
// observe "all dependencies succeeded" concurrently.
type Scheduler struct {
	workers   int
	grace     time.Duration
	runner    StageRunner
	approvals ApprovalCoordinator
	journal   TransitionRecorder
	log       *zap.Logger
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultKillGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		workers:   opts.Workers,
		grace:     opts.Grace,
		runner:    opts.Runner,
		approvals: opts.Approvals,
		journal:   opts.Journal,
		log:       opts.Logger,
	}
}

type stageEvent struct {
	stage  string
	result StageResult
}

type approvalEvent struct {
	stage    string
	decision Decision
}

// Execute drives the run to a terminal status. It owns the run's state
// exclusively for the run's lifetime and returns once every node is terminal
// (or the context is cancelled).
func (s *Scheduler) Execute(ctx context.Context, run *Run, p *Pipeline, g *Graph) error {
	run.setStatus(RunRunning)
	s.log.Info("run started",
		zap.String("run", run.ID),
		zap.String("pipeline", p.Name),
		zap.Int("stages", len(p.Stages)))

	for _, st := range p.Stages {
		if len(st.DependsOn) > 0 {
			s.transition(run, st.Name, NodeBlocked, "waiting on dependencies")
		}
	}

	// Buffered so in-flight workers and approval forwarders never block on
	// send after the loop stops reading.
	events := make(chan stageEvent, len(p.Stages))
	approvals := make(chan approvalEvent, len(p.Stages))

	running := 0
	approved := make(map[string]bool)
	requested := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return s.cancelAll(run, p, running, events)
		}
		s.dispatch(ctx, run, p, &running, approved, requested, events, approvals)

		if s.allTerminal(run, p) {
			break
		}
		if running == 0 && !s.anyAwaitingApproval(run, p) {
			// Nothing in flight, nothing waiting on an external decision and
			// still not terminal. Dispatch must always make progress on a
			// validated DAG, so this indicates a bug, not a user error.
			run.setStatus(RunFailed)
			runsFinished.WithLabelValues(RunFailed.String()).Inc()
			return ErrStalled
		}

		select {
		case <-ctx.Done():
			return s.cancelAll(run, p, running, events)
		case ev := <-events:
			running--
			workersBusy.Dec()
			s.applyStageResult(run, ev.stage, ev.result)
		case ae := <-approvals:
			if ae.decision.Approved {
				approved[ae.stage] = true
				s.log.Info("stage approved",
					zap.String("run", run.ID),
					zap.String("stage", ae.stage),
					zap.String("decider", ae.decision.Decider))
			} else {
				detail := "approval rejected"
				if ae.decision.Decider != "" {
					detail += " by " + ae.decision.Decider
				}
				if ae.decision.Reason != "" {
					detail += ": " + ae.decision.Reason
				}
				s.transition(run, ae.stage, NodeFailed, detail)
			}
		}
	}

	final := RunSucceeded
	for _, st := range p.Stages {
		if run.NodeState(st.Name) == NodeFailed {
			final = RunFailed
			break
		}
	}
	run.setStatus(final)
	runsFinished.WithLabelValues(final.String()).Inc()
	s.log.Info("run finished", zap.String("run", run.ID), zap.String("status", final.String()))
	return nil
}

// dispatch walks stages in definition order (deterministic tie-break among
// simultaneously ready nodes) and starts every runnable node that fits under
// the worker bound. It loops until a full pass makes no progress, so skip
// cascades settle within one call.
func (s *Scheduler) dispatch(
	ctx context.Context,
	run *Run,
	p *Pipeline,
	running *int,
	approved, requested map[string]bool,
	events chan<- stageEvent,
	approvals chan<- approvalEvent,
) {
	for {
		progress := false
		for _, st := range p.Stages {
			switch run.NodeState(st.Name) {
			case NodePending, NodeBlocked:
				progress = s.dispatchBlocked(ctx, run, st, running, approved, requested, events, approvals) || progress
			case NodeAwaitingApproval:
				if approved[st.Name] && *running < s.workers {
					s.start(ctx, run, st, running, events)
					progress = true
				}
			}
		}
		if !progress {
			return
		}
	}
}

func (s *Scheduler) dispatchBlocked(
	ctx context.Context,
	run *Run,
	st Stage,
	running *int,
	approved, requested map[string]bool,
	events chan<- stageEvent,
	approvals chan<- approvalEvent,
) bool {
	ready, skipReason, decided := s.evaluateDeps(run, st)
	if !decided {
		return false
	}
	if !ready {
		s.transition(run, st.Name, NodeSkipped, skipReason)
		return true
	}

	// Gated stage entry pauses in AwaitingApproval instead of Running.
	if s.gated(st) && !approved[st.Name] {
		if requested[st.Name] {
			return false
		}
		requested[st.Name] = true
		s.transition(run, st.Name, NodeAwaitingApproval, "approval required for environment "+st.Environment)
		ch, err := s.approvals.Request(run.ID, st.Name, st.Environment)
		if err != nil {
			s.transition(run, st.Name, NodeFailed, "approval request failed: "+err.Error())
			return true
		}
		go func(stage string) {
			d, ok := <-ch
			if !ok {
				d = Decision{Approved: false, Reason: "approval channel closed"}
			}
			approvals <- approvalEvent{stage: stage, decision: d}
		}(st.Name)
		return true
	}

	if *running >= s.workers {
		return false
	}
	s.start(ctx, run, st, running, events)
	return true
}

func (s *Scheduler) gated(st Stage) bool {
	return s.approvals != nil && st.Environment != "" && s.approvals.RequiresApproval(st.Environment)
}

// evaluateDeps reports whether the stage may run. decided is false while any
// dependency is still non-terminal. When decided, ready is the stage
// condition evaluated over dependency outcomes; skipReason explains a skip.
func (s *Scheduler) evaluateDeps(run *Run, st Stage) (ready bool, skipReason string, decided bool) {
	allSucceeded := true
	anyFailed := false
	for _, dep := range st.DependsOn {
		ds := run.NodeState(dep)
		if !ds.Terminal() {
			return false, "", false
		}
		if ds != NodeSucceeded {
			allSucceeded = false
		}
		if ds == NodeFailed {
			anyFailed = true
		}
	}

	switch st.Condition {
	case CondAlways:
		return true, "", true
	case CondOnFailure:
		if anyFailed {
			return true, "", true
		}
		return false, "condition on_failure not met", true
	default: // CondSucceeded
		if allSucceeded {
			return true, "", true
		}
		return false, "dependency did not succeed", true
	}
}

func (s *Scheduler) start(ctx context.Context, run *Run, st Stage, running *int, events chan<- stageEvent) {
	*running++
	workersBusy.Inc()
	s.transition(run, st.Name, NodeRunning, "")
	go func(stage Stage) {
		events <- stageEvent{stage: stage.Name, result: s.runner.RunStage(ctx, run.ID, stage)}
	}(st)
}

func (s *Scheduler) applyStageResult(run *Run, stage string, res StageResult) {
	switch {
	case res.Cancelled:
		s.transition(run, stage, NodeCancelled, "cancelled during execution")
	case res.Failed:
		s.transition(run, stage, NodeFailed, res.Detail)
	default:
		s.transition(run, stage, NodeSucceeded, "")
	}
}

// cancelAll handles external cancellation: every non-terminal node moves to
// Cancelled immediately, in-flight runners are drained for at most the grace
// period (the executor enforces the hard kill), then the run ends Cancelled.
func (s *Scheduler) cancelAll(run *Run, p *Pipeline, running int, events <-chan stageEvent) error {
	for _, st := range p.Stages {
		if !run.NodeState(st.Name).Terminal() {
			s.transition(run, st.Name, NodeCancelled, "run cancelled")
		}
	}

	deadline := time.NewTimer(s.grace + time.Second)
	defer deadline.Stop()
drain:
	for running > 0 {
		select {
		case <-events:
			running--
			workersBusy.Dec()
		case <-deadline.C:
			s.log.Warn("cancellation grace period expired with workers still in flight",
				zap.String("run", run.ID), zap.Int("inFlight", running))
			break drain
		}
	}
	// Abandoned workers are no longer tracked; release their gauge slots.
	if running > 0 {
		workersBusy.Sub(float64(running))
	}

	run.setStatus(RunCancelled)
	runsFinished.WithLabelValues(RunCancelled.String()).Inc()
	s.log.Info("run cancelled", zap.String("run", run.ID))
	return context.Canceled
}

func (s *Scheduler) allTerminal(run *Run, p *Pipeline) bool {
	for _, st := range p.Stages {
		if !run.NodeState(st.Name).Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) anyAwaitingApproval(run *Run, p *Pipeline) bool {
	for _, st := range p.Stages {
		if run.NodeState(st.Name) == NodeAwaitingApproval {
			return true
		}
	}
	return false
}

// transition is the single place node state changes. It journals, counts and
// logs every transition.
func (s *Scheduler) transition(run *Run, stage string, to NodeState, detail string) {
	from := run.setNodeState(stage, to, detail)
	nodeTransitions.WithLabelValues(to.String()).Inc()
	if s.journal != nil {
		if err := s.journal.Record(run.ID, stage, from.String(), to.String(), detail); err != nil {
			s.log.Warn("journal write failed", zap.String("run", run.ID), zap.Error(err))
		}
	}
	s.log.Debug("node transition",
		zap.String("run", run.ID),
		zap.String("stage", stage),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("detail", detail))
}
