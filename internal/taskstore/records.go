// Package taskstore owns the persistent shapes of a workflow task and
// the Store interface the coordinator writes through. The filesystem
// task directory is the source of truth; the in-memory store exists so
// the coordinator stays fully unit-testable.
package taskstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewTaskID returns an opaque time+random task identifier.
func NewTaskID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}

// StateEvent is one append-only FSM transition record. The ordered
// sequence of these is the task's timeline. For every event after the
// first, From equals the previous event's To.
type StateEvent struct {
	TS     time.Time `json:"ts"`
	From   string    `json:"from,omitempty"` // empty on the first event
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Round  int       `json:"round,omitempty"`
}

// AgentRecord is the per-role slice of a round.
type AgentRecord struct {
	RunID      string `json:"run_id,omitempty"`
	OK         bool   `json:"ok"`
	ParseError string `json:"parse_error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

// ReviewerRecord adds the reviewer-specific outcome fields.
type ReviewerRecord struct {
	AgentRecord
	Decision     string `json:"decision,omitempty"`
	MustFixCount int    `json:"must_fix_count"`
}

// TesterRecord adds the tester-specific outcome fields, including the
// bounded retry bookkeeping for blocked command lists.
type TesterRecord struct {
	AgentRecord
	CommandCount int  `json:"command_count"`
	TestsPassed  bool `json:"tests_passed"`
	Blocked      bool `json:"blocked"`
	RetryUsed    bool `json:"retry_used"`
}

// Round is one coder→reviewer[→tester] pass. Round numbers are 1-based
// and strictly increasing across the task's whole lifetime, never
// reused even across follow-up invocations.
type Round struct {
	Round               int             `json:"round"`
	Phase               string          `json:"phase"` // proposal | implementation
	Coder               *AgentRecord    `json:"coder,omitempty"`
	Reviewer            *ReviewerRecord `json:"reviewer,omitempty"`
	Tester              *TesterRecord   `json:"tester,omitempty"`
	FirstFailingCommand string          `json:"first_failing_command,omitempty"`
}

// Contract is the hashed snapshot of agreed scope carried from a
// proposal round into implementation rounds.
type Contract struct {
	Version            int      `json:"version"`
	SourceRound        int      `json:"source_round"`
	Goal               string   `json:"goal"`
	CorePlan           string   `json:"core_plan"`
	ReviewerNotes      string   `json:"reviewer_notes,omitempty"`
	TesterNotes        string   `json:"tester_notes,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`
	MustFix            []string `json:"must_fix,omitempty"`
	OpenRisks          []string `json:"open_risks,omitempty"`
	Hash               string   `json:"hash"`
}

// Valid reports whether the contract carries any substance. A contract
// with no goal, plan, notes, or must-fix entries is treated as absent.
func (c *Contract) Valid() bool {
	if c == nil {
		return false
	}
	return c.Goal != "" || c.CorePlan != "" || c.ReviewerNotes != "" ||
		c.TesterNotes != "" || len(c.MustFix) > 0
}

// Summary is the persisted and returned task record.
type Summary struct {
	TaskID                  string            `json:"task_id"`
	Provider                string            `json:"provider"`
	Model                   string            `json:"model,omitempty"`
	RoleProviders           map[string]string `json:"role_providers,omitempty"`
	FinalStatus             string            `json:"final_status"`
	FinalOutcome            string            `json:"final_outcome"`
	AwaitingOperatorConfirm bool              `json:"awaiting_operator_confirm"`
	WorkflowPhase           string            `json:"workflow_phase"`
	TesterBlockedPolicy     string            `json:"tester_blocked_policy"`
	AllowedTestCommands     []string          `json:"allowed_test_commands"`
	MaxIterations           int               `json:"max_iterations"`
	StateEvents             []StateEvent      `json:"state_events"`
	Rounds                  []Round           `json:"rounds"`
	UnresolvedMustFix       []string          `json:"unresolved_must_fix"`
	Contract                *Contract         `json:"discussion_contract,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// LastRound returns the highest round number recorded, 0 when none.
func (s *Summary) LastRound() int {
	last := 0
	for _, r := range s.Rounds {
		if r.Round > last {
			last = r.Round
		}
	}
	return last
}

// Store is the persistence boundary injected into the coordinator.
type Store interface {
	// CreateTask makes the task's storage location, returning its path
	// (empty for non-filesystem stores). Creating an existing task is
	// a no-op.
	CreateTask(taskID string) (string, error)

	// AppendRoundArtifact persists a named artifact for a round
	// (prompt, raw output, test results).
	AppendRoundArtifact(taskID string, round int, name string, data []byte) error

	// AppendStateEvent appends one FSM transition to the task's
	// durable event log.
	AppendStateEvent(taskID string, ev StateEvent) error

	// WriteSummary persists the full task summary, replacing any
	// previous version.
	WriteSummary(taskID string, s *Summary) error

	// ReadSummary loads the task summary. Returns ErrNotFound for an
	// unknown task.
	ReadSummary(taskID string) (*Summary, error)
}
