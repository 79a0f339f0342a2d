// Package live mirrors in-flight agent activity for real-time display.
// The projector is fed synchronously from workflow live hooks and holds
// a per-task, per-role state machine plus a bounded ring of recent
// events; consumers poll snapshots, they never block the workflow.
package live

import (
	"sync"
	"time"

	"github.com/crewline/crewline/internal/roles"
	"github.com/crewline/crewline/internal/supervisor"
	"github.com/crewline/crewline/internal/workflow"
)

// DefaultRingSize bounds the retained recent events per task.
const DefaultRingSize = 100

// AgentView is the displayed state of one role.
type AgentView struct {
	Role      roles.Role `json:"role"`
	State     string     `json:"state"`
	LastLine  string     `json:"last_line,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// EventView is one retained recent event.
type EventView struct {
	Role roles.Role `json:"role"`
	Type string     `json:"type"`
	Data string     `json:"data,omitempty"`
	TS   time.Time  `json:"ts"`
}

// TaskView is a point-in-time snapshot of one task's activity.
type TaskView struct {
	TaskID string      `json:"task_id"`
	Agents []AgentView `json:"agents"`
	Recent []EventView `json:"recent"`
}

type taskState struct {
	agents map[roles.Role]*AgentView
	ring   []EventView
	next   int
	filled bool
}

// Projector accumulates live state across tasks. Safe for concurrent
// use; hook delivery and snapshot reads may interleave freely.
type Projector struct {
	mu       sync.RWMutex
	ringSize int
	tasks    map[string]*taskState
}

// NewProjector creates a projector with the default ring size.
func NewProjector() *Projector {
	return &Projector{
		ringSize: DefaultRingSize,
		tasks:    make(map[string]*taskState),
	}
}

// Hooks returns workflow live hooks bound to this projector.
func (p *Projector) Hooks() *workflow.LiveHooks {
	return &workflow.LiveHooks{
		OnAgentState: p.OnAgentState,
		OnAgentEvent: p.OnAgentEvent,
	}
}

// OnAgentState records a role state change.
func (p *Projector) OnAgentState(taskID string, role roles.Role, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.task(taskID)
	view := ts.agent(role)
	view.State = state
	view.UpdatedAt = time.Now()
}

// OnAgentEvent records a supervisor event. Assistant text flips a
// thinking role to responding; the line itself lands in the ring.
func (p *Projector) OnAgentEvent(taskID string, role roles.Role, ev supervisor.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.task(taskID)

	if ev.Type == supervisor.EventAssistantText {
		view := ts.agent(role)
		if view.State == workflow.AgentStateThinking {
			view.State = workflow.AgentStateResponding
		}
		view.LastLine = ev.Data
		view.UpdatedAt = time.Now()
	}

	item := EventView{Role: role, Type: string(ev.Type), Data: ev.Data, TS: ev.TS}
	if len(ts.ring) < p.ringSize {
		ts.ring = append(ts.ring, item)
		return
	}
	ts.ring[ts.next] = item
	ts.next = (ts.next + 1) % p.ringSize
	ts.filled = true
}

// Snapshot returns the current view of a task, or ok=false when the
// task has produced no activity yet.
func (p *Projector) Snapshot(taskID string) (TaskView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ts, ok := p.tasks[taskID]
	if !ok {
		return TaskView{}, false
	}

	view := TaskView{TaskID: taskID}
	for _, role := range []roles.Role{roles.RoleCoder, roles.RoleReviewer, roles.RoleTester} {
		if a, ok := ts.agents[role]; ok {
			view.Agents = append(view.Agents, *a)
		} else {
			view.Agents = append(view.Agents, AgentView{Role: role, State: workflow.AgentStateWaiting})
		}
	}

	if ts.filled {
		view.Recent = append(view.Recent, ts.ring[ts.next:]...)
		view.Recent = append(view.Recent, ts.ring[:ts.next]...)
	} else {
		view.Recent = append(view.Recent, ts.ring...)
	}
	return view, true
}

// Forget drops a finished task's live state.
func (p *Projector) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, taskID)
}

func (p *Projector) task(taskID string) *taskState {
	ts, ok := p.tasks[taskID]
	if !ok {
		ts = &taskState{agents: make(map[roles.Role]*AgentView)}
		p.tasks[taskID] = ts
	}
	return ts
}

func (ts *taskState) agent(role roles.Role) *AgentView {
	view, ok := ts.agents[role]
	if !ok {
		view = &AgentView{Role: role, State: workflow.AgentStateWaiting}
		ts.agents[role] = view
	}
	return view
}
