package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeState is the lifecycle state of one stage node within a run. Only the
// scheduler owning the run may transition it.
type NodeState int

const (
	NodePending NodeState = iota
	NodeBlocked
	NodeRunning
	NodeSucceeded
	NodeFailed
	NodeSkipped
	NodeAwaitingApproval
	NodeCancelled
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeBlocked:
		return "blocked"
	case NodeRunning:
		return "running"
	case NodeSucceeded:
		return "succeeded"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	case NodeAwaitingApproval:
		return "awaiting_approval"
	case NodeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// RunStatus is the overall status of a run.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunSucceeded
	RunFailed
	RunCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run reached a final status.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// TriggerContext records what caused a run.
type TriggerContext struct {
	Branch string `json:"branch,omitempty"`
	Event  string `json:"event,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// node is the mutable execution state of one stage within a run.
type node struct {
	stage      string
	state      NodeState
	detail     string
	startedAt  time.Time
	finishedAt time.Time
}

// Run is one instantiation of a pipeline. State is mutated only by the
// scheduler that owns the run; readers go through Snapshot.
type Run struct {
	ID        string
	Pipeline  string
	Trigger   TriggerContext
	CreatedAt time.Time

	mu         sync.RWMutex
	status     RunStatus
	nodes      map[string]*node
	nodeOrder  []string
	finishedAt time.Time
}

// NewRun instantiates a run over a parsed pipeline with all nodes Pending.
func NewRun(p *Pipeline, trigger TriggerContext) *Run {
	r := &Run{
		ID:        uuid.NewString(),
		Pipeline:  p.Name,
		Trigger:   trigger,
		CreatedAt: time.Now().UTC(),
		status:    RunPending,
		nodes:     make(map[string]*node, len(p.Stages)),
	}
	for _, s := range p.Stages {
		r.nodes[s.Name] = &node{stage: s.Name, state: NodePending}
		r.nodeOrder = append(r.nodeOrder, s.Name)
	}
	return r
}

// Status returns the run's overall status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// NodeState returns the current state of a stage node.
func (r *Run) NodeState(stage string) NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.nodes[stage]; ok {
		return n.state
	}
	return NodePending
}

// setStatus is called by the owning scheduler only.
func (r *Run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	if s.Terminal() {
		r.finishedAt = time.Now().UTC()
	}
	r.mu.Unlock()
}

// setNodeState is called by the owning scheduler only. Returns the previous
// state so the transition can be journaled.
func (r *Run) setNodeState(stage string, s NodeState, detail string) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodes[stage]
	prev := n.state
	n.state = s
	n.detail = detail
	now := time.Now().UTC()
	if s == NodeRunning {
		n.startedAt = now
	}
	if s.Terminal() {
		n.finishedAt = now
	}
	return prev
}

// NodeView is a read-only projection of a node for the status interface.
type NodeView struct {
	Stage      string     `json:"stage"`
	State      string     `json:"state"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RunView is a read-only projection of a run for the status interface.
type RunView struct {
	ID        string         `json:"id"`
	Pipeline  string         `json:"pipeline"`
	Status    string         `json:"status"`
	Trigger   TriggerContext `json:"trigger"`
	CreatedAt time.Time      `json:"createdAt"`
	Nodes     []NodeView     `json:"nodes"`
}

// Snapshot returns a consistent view of the run, nodes in definition order.
func (r *Run) Snapshot() RunView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := RunView{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Status:    r.status.String(),
		Trigger:   r.Trigger,
		CreatedAt: r.CreatedAt,
	}
	for _, name := range r.nodeOrder {
		n := r.nodes[name]
		nv := NodeView{Stage: n.stage, State: n.state.String(), Detail: n.detail}
		if !n.startedAt.IsZero() {
			t := n.startedAt
			nv.StartedAt = &t
		}
		if !n.finishedAt.IsZero() {
			t := n.finishedAt
			nv.FinishedAt = &t
		}
		v.Nodes = append(v.Nodes, nv)
	}
	return v
}
