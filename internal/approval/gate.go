// Package approval implements the gate manager pausing stage transitions
// pending a human decision.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipewright/internal/core"
)

var (
	ErrUnknownEnvironment   = errors.New("environment has no approval policy")
	ErrUnauthorizedApprover = errors.New("approver not authorized for environment")
	ErrAlreadyDecided       = errors.New("approval request already decided")
	ErrRequestNotFound      = errors.New("approval request not found")
)

// TimeoutDecider marks requests auto-rejected at their deadline.
const TimeoutDecider = "system:timeout"

// DefaultTimeout applies when an environment's policy gives none. Pending
// requests never hang indefinitely.
const DefaultTimeout = 24 * time.Hour

// Policy is one environment's approval configuration.
type Policy struct {
	Required  bool
	Approvers []string
	Timeout   time.Duration
}

// State of a request.
type State int

const (
	StatePending State = iota
	StateApproved
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Request is one pending or decided approval, 1:1 with a gated stage entry
// within a run.
type Request struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	Stage       string    `json:"stage"`
	Environment string    `json:"environment"`
	State       string    `json:"state"`
	Decider     string    `json:"decider,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	DecidedAt   time.Time `json:"decidedAt,omitempty"`
	Deadline    time.Time `json:"deadline"`
}

type request struct {
	view     Request
	state    State
	decision chan core.Decision
	timer    *time.Timer
}

// Manager tracks approval requests across runs. It implements
// core.ApprovalCoordinator.
type Manager struct {
	mu       sync.Mutex
	policies map[string]Policy
	requests map[string]*request
	log      *zap.Logger
}

func NewManager(policies map[string]Policy, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		policies: policies,
		requests: make(map[string]*request),
		log:      log,
	}
}

// RequiresApproval reports whether the environment is gated.
func (m *Manager) RequiresApproval(environment string) bool {
	p, ok := m.policies[environment]
	return ok && p.Required
}

// Request opens a pending approval for (run, stage, environment) and returns
// a channel yielding exactly one decision. The request auto-rejects at the
// policy deadline so no stage hangs silently forever.
func (m *Manager) Request(runID, stage, environment string) (<-chan core.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[environment]
	if !ok {
		return nil, fmt.Errorf("%q: %w", environment, ErrUnknownEnvironment)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	req := &request{
		view: Request{
			ID:          id,
			RunID:       runID,
			Stage:       stage,
			Environment: environment,
			State:       StatePending.String(),
			CreatedAt:   now,
			Deadline:    now.Add(timeout),
		},
		state:    StatePending,
		decision: make(chan core.Decision, 1),
	}
	req.timer = time.AfterFunc(timeout, func() { m.expire(id) })
	m.requests[id] = req

	m.log.Info("approval requested",
		zap.String("request", id),
		zap.String("run", runID),
		zap.String("stage", stage),
		zap.String("environment", environment),
		zap.Time("deadline", req.view.Deadline))
	return req.decision, nil
}

// Decide records an approver's decision. Double decisions fail with
// ErrAlreadyDecided and leave the first decision's effect unchanged.
func (m *Manager) Decide(id, approver string, approve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%q: %w", id, ErrRequestNotFound)
	}
	if req.state != StatePending {
		return fmt.Errorf("%q is %s: %w", id, req.state, ErrAlreadyDecided)
	}
	policy := m.policies[req.view.Environment]
	if !authorized(policy, approver) {
		return fmt.Errorf("%q for environment %q: %w", approver, req.view.Environment, ErrUnauthorizedApprover)
	}

	m.settle(req, approve, approver, "")
	m.log.Info("approval decided",
		zap.String("request", id),
		zap.String("approver", approver),
		zap.Bool("approved", approve))
	return nil
}

// expire auto-rejects a request whose deadline passed.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.state != StatePending {
		return
	}
	m.settle(req, false, TimeoutDecider, "approval timed out")
	m.log.Warn("approval timed out",
		zap.String("request", id),
		zap.String("run", req.view.RunID),
		zap.String("stage", req.view.Stage))
}

// CancelRun withdraws pending requests of a finished or cancelled run.
func (m *Manager) CancelRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.view.RunID == runID && req.state == StatePending {
			m.settle(req, false, "system:cancelled", "run cancelled")
		}
	}
}

// settle finalizes a request. Caller holds m.mu.
func (m *Manager) settle(req *request, approve bool, decider, reason string) {
	if approve {
		req.state = StateApproved
	} else {
		req.state = StateRejected
	}
	req.view.State = req.state.String()
	req.view.Decider = decider
	req.view.DecidedAt = time.Now().UTC()
	if req.timer != nil {
		req.timer.Stop()
	}
	req.decision <- core.Decision{Approved: approve, Decider: decider, Reason: reason}
}

// Get returns a request by id.
func (m *Manager) Get(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%q: %w", id, ErrRequestNotFound)
	}
	return req.view, nil
}

// Pending lists pending requests, optionally filtered by run.
func (m *Manager) Pending(runID string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if req.state != StatePending {
			continue
		}
		if runID != "" && req.view.RunID != runID {
			continue
		}
		out = append(out, req.view)
	}
	return out
}

func authorized(p Policy, approver string) bool {
	for _, a := range p.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}
