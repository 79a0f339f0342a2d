// Package workflow drives the coder→reviewer→tester round machine. A
// task moves through intake→plan→build→review→test→iterate→finalize;
// every transition is appended to the task's event log, and every path
// out of RunTask, including cancellation and panics, ends in a finalize
// transition with a written summary.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/crewline/crewline/internal/logging"
	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/roles"
	"github.com/crewline/crewline/internal/supervisor"
	"github.com/crewline/crewline/internal/taskstore"
	"github.com/crewline/crewline/internal/testrunner"
)

// FSM states. Finalize is the sole terminal state per invocation.
const (
	StateIntake   = "intake"
	StatePlan     = "plan"
	StateBuild    = "build"
	StateReview   = "review"
	StateTest     = "test"
	StateIterate  = "iterate"
	StateFinalize = "finalize"
)

// Execution modes.
const (
	ModeProposal       = "proposal"
	ModeImplementation = "implementation"
)

// Tester blocked-command policies.
const (
	PolicyStrict    = "strict"
	PolicyResilient = "resilient"
)

// Final outcomes. The set is closed: consumers switch on these strings
// (plus the provider error classes, which pass through unchanged).
const (
	OutcomeApproved                = "approved"
	OutcomeAwaitingOperatorConfirm = "awaiting_operator_confirm"
	OutcomeReviewChangesRequested  = "review_changes_requested"
	OutcomeTestFailed              = "test_failed"
	OutcomeRepeatedTestFailure     = "repeated_test_failure"
	OutcomeTesterCommandBlocked    = "tester_command_blocked"
	OutcomeTesterSchemaInvalid     = "tester_schema_invalid"
	OutcomeReviewSchemaInvalid     = "review_schema_invalid"
	OutcomeMaxIterationsReached    = "max_iterations_reached"
	OutcomeCanceled                = "canceled"
	OutcomeProviderUnsupported     = "provider_unsupported"
	OutcomeInternalError           = "internal_error"
)

// Agent display states emitted through LiveHooks.
const (
	AgentStateWaiting    = "waiting"
	AgentStateThinking   = "thinking"
	AgentStateResponding = "responding"
	AgentStateDone       = "done"
	AgentStateError      = "error"
)

// DefaultMaxIterations bounds implementation rounds per invocation.
const DefaultMaxIterations = 3

// ErrOperatorGate is returned when an implementation run is requested on
// a task still awaiting operator confirmation. The stored summary is
// returned untouched alongside it.
var ErrOperatorGate = errors.New("task awaits operator confirmation")

// LiveHooks are optional callbacks fired synchronously as the FSM
// progresses, for real-time projection. They must not block.
type LiveHooks struct {
	OnAgentState func(taskID string, role roles.Role, state string)
	OnAgentEvent func(taskID string, role roles.Role, ev supervisor.Event)
	OnTransition func(taskID string, ev taskstore.StateEvent)
}

// Options configures one RunTask invocation.
type Options struct {
	Provider            string
	Model               string
	RoleProviders       map[string]string // per-role provider override
	MaxIterations       int
	AllowedTestCommands []string
	TesterBlockedPolicy string // strict | resilient
	ExecutionMode       string // proposal | implementation
	OperatorConfirmed   bool
	TaskID              string // resume an existing task
	Dir                 string // working directory for agents and tests
	LogDir              string // fallback run-log dir for non-fs stores
	AgentTimeout        time.Duration
	TestCommandTimeout  time.Duration
	KillGrace           time.Duration
	Live                *LiveHooks
}

func (o *Options) normalize() {
	if o.ExecutionMode == "" {
		o.ExecutionMode = ModeProposal
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.TesterBlockedPolicy == "" {
		o.TesterBlockedPolicy = PolicyResilient
	}
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 10 * time.Minute
	}
	if o.TestCommandTimeout <= 0 {
		o.TestCommandTimeout = testrunner.DefaultCommandTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = testrunner.DefaultKillGrace
	}
	o.AllowedTestCommands = testrunner.SanitizeAllowlist(o.AllowedTestCommands)
}

// Engine is the workflow coordinator. It holds no cross-task state;
// concurrent RunTask calls on distinct tasks are safe, while calls on
// the same task must be serialized by the caller.
type Engine struct {
	adapter roles.TextProvider
	runner  *testrunner.Runner
	store   taskstore.Store
	log     *logging.Logger
}

// NewEngine wires the coordinator to its collaborators.
func NewEngine(adapter roles.TextProvider, runner *testrunner.Runner, store taskstore.Store) *Engine {
	return &Engine{
		adapter: adapter,
		runner:  runner,
		store:   store,
		log:     logging.Component("workflow"),
	}
}

// RunTask executes one workflow invocation and returns the persisted
// summary. It never lets a failure escape without a finalize transition:
// cancellation finalizes as canceled, unknown providers as
// provider_unsupported, and anything unmodeled as internal_error.
func (e *Engine) RunTask(ctx context.Context, prompt string, opts Options) (summary *taskstore.Summary, err error) {
	opts.normalize()

	r, gated, gateErr := e.prepare(prompt, opts)
	if gateErr != nil {
		return gated, gateErr
	}
	summary = r.summary

	defer func() {
		if rec := recover(); rec != nil {
			msg := roles.ClipError(fmt.Sprintf("%v", rec))
			e.log.ErrorCtx("workflow panic", map[string]any{
				"task_id": r.taskID,
				"panic":   msg,
				"stack":   string(debug.Stack()),
			})
			r.summary.UnresolvedMustFix = append(r.summary.UnresolvedMustFix, "internal error: "+msg)
			r.finalize(OutcomeInternalError, "unhandled error", 0)
			summary = r.summary
			err = nil
		}
	}()

	e.log.InfoCtx("task started", map[string]any{
		"task_id": r.taskID,
		"mode":    opts.ExecutionMode,
	})

	if opts.ExecutionMode == ModeImplementation {
		r.runImplementation(ctx)
	} else {
		r.runProposal(ctx)
	}
	return r.summary, nil
}

// run carries the per-invocation state of one RunTask call.
type run struct {
	e        *Engine
	opts     Options
	prompt   string
	taskID   string
	summary  *taskstore.Summary
	logDir   string
	coder    *roles.Coder
	reviewer *roles.Reviewer
	tester   *roles.Tester
}

// prepare loads or creates the task and enforces the operator gate: an
// implementation call on a task finalized awaiting_operator_confirm is
// rejected without touching stored state unless confirmation was given.
func (e *Engine) prepare(prompt string, opts Options) (*run, *taskstore.Summary, error) {
	taskID := opts.TaskID
	var summary *taskstore.Summary
	if taskID != "" {
		s, err := e.store.ReadSummary(taskID)
		if err == nil {
			summary = s
		} else if !errors.Is(err, taskstore.ErrNotFound) {
			return nil, nil, fmt.Errorf("loading task %s: %w", taskID, err)
		}
	} else {
		taskID = taskstore.NewTaskID()
	}

	if summary != nil && opts.ExecutionMode == ModeImplementation &&
		summary.AwaitingOperatorConfirm && !opts.OperatorConfirmed {
		return nil, summary, fmt.Errorf("%w: %s", ErrOperatorGate, taskID)
	}

	dir, err := e.store.CreateTask(taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("creating task %s: %w", taskID, err)
	}

	if summary == nil {
		summary = &taskstore.Summary{
			TaskID:    taskID,
			CreatedAt: time.Now(),
		}
	}
	summary.Provider = opts.Provider
	summary.Model = opts.Model
	summary.RoleProviders = opts.RoleProviders
	summary.MaxIterations = opts.MaxIterations
	summary.AllowedTestCommands = opts.AllowedTestCommands
	summary.TesterBlockedPolicy = opts.TesterBlockedPolicy
	summary.WorkflowPhase = opts.ExecutionMode
	summary.AwaitingOperatorConfirm = false

	logDir := opts.LogDir
	if dir != "" {
		logDir = filepath.Join(dir, "runs")
	}

	r := &run{
		e:       e,
		opts:    opts,
		prompt:  prompt,
		taskID:  taskID,
		summary: summary,
		logDir:  logDir,
	}
	r.coder = roles.NewCoder(e.adapter, r.binding(roles.RoleCoder))
	r.reviewer = roles.NewReviewer(e.adapter, r.binding(roles.RoleReviewer))
	r.tester = roles.NewTester(e.adapter, r.binding(roles.RoleTester))
	return r, nil, nil
}

func (r *run) binding(role roles.Role) roles.Binding {
	prov := r.opts.Provider
	if p, ok := r.opts.RoleProviders[string(role)]; ok && p != "" {
		prov = p
	}
	return roles.Binding{
		Provider: prov,
		Model:    r.opts.Model,
		Dir:      r.opts.Dir,
		LogDir:   r.logDir,
		Timeout:  r.opts.AgentTimeout,
	}
}

// runProposal executes the single planning round: coder proposal (no
// edits), reviewer and tester discussion, then a discussion contract and
// the operator-confirmation outcome.
func (r *run) runProposal(ctx context.Context) {
	round := r.summary.LastRound() + 1
	rec := taskstore.Round{Round: round, Phase: ModeProposal}

	r.transition(StateIntake, "task accepted", round)
	r.transition(StatePlan, "coder proposal", round)
	if r.checkCanceled(ctx, &rec, round) {
		return
	}

	r.agentState(roles.RoleCoder, AgentStateThinking)
	coderRes, err := r.coder.Run(ctx, roles.CoderInput{
		Mode:    roles.CoderProposal,
		Task:    r.prompt,
		Round:   round,
		OnEvent: r.agentEvents(roles.RoleCoder),
	})
	if err != nil {
		r.agentState(roles.RoleCoder, AgentStateError)
		r.failRound(&rec, round, err)
		return
	}
	rec.Coder = &taskstore.AgentRecord{RunID: coderRes.RunID, OK: coderRes.OK, ErrorClass: coderRes.ErrorClass}
	r.artifact(round, "coder.txt", []byte(coderRes.Text))
	if !coderRes.OK {
		// A failed or empty proposal short-circuits the round.
		r.agentState(roles.RoleCoder, AgentStateError)
		r.endRound(&rec)
		r.finalize(coderRes.ErrorClass, "coder proposal failed", round)
		return
	}
	r.agentState(roles.RoleCoder, AgentStateDone)

	r.transition(StateReview, "reviewer discussion", round)
	if r.checkCanceled(ctx, &rec, round) {
		return
	}
	reviewerText, canceled := r.discussion(ctx, &rec, round, coderRes.Text)
	if canceled {
		return
	}

	r.transition(StateTest, "tester discussion", round)
	if r.checkCanceled(ctx, &rec, round) {
		return
	}
	testerText, canceled := r.testerDiscussion(ctx, &rec, round, coderRes.Text)
	if canceled {
		return
	}

	contract := BuildContract(r.prompt, round, coderRes.Text, reviewerText, testerText, nil)
	if contract.Valid() {
		r.summary.Contract = contract
		if data, err := json.MarshalIndent(contract, "", "  "); err == nil {
			r.artifact(round, "contract.json", data)
		}
	}

	r.endRound(&rec)
	r.finalize(OutcomeAwaitingOperatorConfirm, "proposal complete", round)
}

// discussion runs the reviewer in non-blocking discussion mode. A
// provider failure leaves the notes empty but never blocks the
// proposal; only cancellation stops the round.
func (r *run) discussion(ctx context.Context, rec *taskstore.Round, round int, coderOut string) (string, bool) {
	r.agentState(roles.RoleReviewer, AgentStateThinking)
	res, err := r.reviewer.Run(ctx, roles.ReviewerInput{
		Mode:     roles.ReviewDiscussion,
		Task:     r.prompt,
		CoderOut: coderOut,
		Round:    round,
		OnEvent:  r.agentEvents(roles.RoleReviewer),
	})
	if err != nil {
		r.agentState(roles.RoleReviewer, AgentStateError)
		if isCanceled(err) {
			r.cancelFinalize(rec, round)
			return "", true
		}
		return "", false
	}
	rec.Reviewer = &taskstore.ReviewerRecord{
		AgentRecord: taskstore.AgentRecord{RunID: res.RunID, OK: res.OK, ErrorClass: res.ErrorClass},
	}
	r.artifact(round, "reviewer.txt", []byte(res.Text))
	if !res.OK {
		r.agentState(roles.RoleReviewer, AgentStateError)
		return "", false
	}
	r.agentState(roles.RoleReviewer, AgentStateDone)
	return res.Text, false
}

// testerDiscussion mirrors discussion for the tester role.
func (r *run) testerDiscussion(ctx context.Context, rec *taskstore.Round, round int, coderOut string) (string, bool) {
	r.agentState(roles.RoleTester, AgentStateThinking)
	res, err := r.tester.Run(ctx, roles.TesterInput{
		Mode:     roles.TesterDiscussion,
		Task:     r.prompt,
		CoderOut: coderOut,
		Round:    round,
		OnEvent:  r.agentEvents(roles.RoleTester),
	})
	if err != nil {
		r.agentState(roles.RoleTester, AgentStateError)
		if isCanceled(err) {
			r.cancelFinalize(rec, round)
			return "", true
		}
		return "", false
	}
	rec.Tester = &taskstore.TesterRecord{
		AgentRecord: taskstore.AgentRecord{RunID: res.RunID, OK: res.OK, ErrorClass: res.ErrorClass},
	}
	r.artifact(round, "tester.txt", []byte(res.Text))
	if !res.OK {
		r.agentState(roles.RoleTester, AgentStateError)
		return "", false
	}
	r.agentState(roles.RoleTester, AgentStateDone)
	return res.Text, false
}

// runImplementation executes up to MaxIterations build→review→test
// rounds, carrying must-fix items forward and continuing the task's
// round counter. With MaxIterations of 1 the iterate loop is disabled
// and blocking causes finalize with their specific outcome.
func (r *run) runImplementation(ctx context.Context) {
	r.transition(StateIntake, "implementation started", 0)

	mustFix := append([]string(nil), r.summary.UnresolvedMustFix...)
	contract := ""
	if r.summary.Contract.Valid() {
		contract = RenderContract(r.summary.Contract)
	}
	prevFailing := ""
	if n := len(r.summary.Rounds); n > 0 {
		prevFailing = r.summary.Rounds[n-1].FirstFailingCommand
	}
	singleShot := r.opts.MaxIterations == 1

rounds:
	for iter := 1; iter <= r.opts.MaxIterations; iter++ {
		round := r.summary.LastRound() + 1
		rec := taskstore.Round{Round: round, Phase: ModeImplementation}

		r.transition(StateBuild, fmt.Sprintf("implementation round %d", iter), round)
		if r.checkCanceled(ctx, &rec, round) {
			return
		}

		r.agentState(roles.RoleCoder, AgentStateThinking)
		coderRes, err := r.coder.Run(ctx, roles.CoderInput{
			Mode:     roles.CoderImplementation,
			Task:     r.prompt,
			Contract: contract,
			MustFix:  mustFix,
			Round:    round,
			OnEvent:  r.agentEvents(roles.RoleCoder),
		})
		if err != nil {
			r.agentState(roles.RoleCoder, AgentStateError)
			r.failRound(&rec, round, err)
			return
		}
		rec.Coder = &taskstore.AgentRecord{RunID: coderRes.RunID, OK: coderRes.OK, ErrorClass: coderRes.ErrorClass}
		r.artifact(round, "coder.txt", []byte(coderRes.Text))
		if !coderRes.OK {
			r.agentState(roles.RoleCoder, AgentStateError)
			r.endRound(&rec)
			r.finalize(coderRes.ErrorClass, "coder failed", round)
			return
		}
		r.agentState(roles.RoleCoder, AgentStateDone)

		r.transition(StateReview, "strict review", round)
		if r.checkCanceled(ctx, &rec, round) {
			return
		}

		r.agentState(roles.RoleReviewer, AgentStateThinking)
		revRes, err := r.reviewer.Run(ctx, roles.ReviewerInput{
			Mode:     roles.ReviewStrictJSON,
			Task:     r.prompt,
			Contract: contract,
			CoderOut: coderRes.Text,
			Round:    round,
			OnEvent:  r.agentEvents(roles.RoleReviewer),
		})
		if err != nil {
			r.agentState(roles.RoleReviewer, AgentStateError)
			var vErr *roles.ValidationError
			if errors.As(err, &vErr) {
				rec.Reviewer = &taskstore.ReviewerRecord{
					AgentRecord: taskstore.AgentRecord{RunID: revRes.RunID, ParseError: vErr.Reason},
				}
				r.artifact(round, "reviewer.txt", []byte(revRes.Text))
				r.endRound(&rec)
				r.finalize(OutcomeReviewSchemaInvalid, "review validation failed", round)
				return
			}
			r.failRound(&rec, round, err)
			return
		}
		if revRes.ErrorClass != "" {
			r.agentState(roles.RoleReviewer, AgentStateError)
			rec.Reviewer = &taskstore.ReviewerRecord{
				AgentRecord: taskstore.AgentRecord{RunID: revRes.RunID, ErrorClass: revRes.ErrorClass},
			}
			r.endRound(&rec)
			r.finalize(revRes.ErrorClass, "reviewer failed", round)
			return
		}
		review := revRes.Review
		rec.Reviewer = &taskstore.ReviewerRecord{
			AgentRecord:  taskstore.AgentRecord{RunID: revRes.RunID, OK: true, ParseError: revRes.ParseError},
			Decision:     review.Decision,
			MustFixCount: len(review.MustFix),
		}
		r.artifact(round, "reviewer.txt", []byte(revRes.Text))
		r.agentState(roles.RoleReviewer, AgentStateDone)

		if review.Decision == roles.DecisionChangesRequested {
			mustFix = append([]string(nil), review.MustFix...)
			r.summary.UnresolvedMustFix = mustFix
			r.endRound(&rec)
			if singleShot {
				r.finalize(OutcomeReviewChangesRequested, "changes requested", round)
				return
			}
			r.transition(StateIterate, "changes requested", round)
			prevFailing = ""
			continue
		}

		r.transition(StateTest, "tester verification", round)
		tRec := &taskstore.TesterRecord{}
		rec.Tester = tRec

		retryFeedback := ""
		var outcome *testrunner.Outcome
		for attempt := 1; ; attempt++ {
			if r.checkCanceled(ctx, &rec, round) {
				return
			}
			r.agentState(roles.RoleTester, AgentStateThinking)
			tRes, err := r.tester.Run(ctx, roles.TesterInput{
				Mode:            roles.TesterStrictJSON,
				Task:            r.prompt,
				Contract:        contract,
				CoderOut:        coderRes.Text,
				AllowedPatterns: r.opts.AllowedTestCommands,
				RetryFeedback:   retryFeedback,
				Round:           round,
				OnEvent:         r.agentEvents(roles.RoleTester),
			})
			if err != nil && !errors.Is(err, roles.ErrInvalidTestPlan) {
				r.agentState(roles.RoleTester, AgentStateError)
				r.failRound(&rec, round, err)
				return
			}
			if tRes != nil {
				tRec.RunID = tRes.RunID
				tRec.ErrorClass = tRes.ErrorClass
				r.artifact(round, fmt.Sprintf("tester-%d.txt", attempt), []byte(tRes.Text))
			}
			if tRes != nil && tRes.ErrorClass != "" {
				// Provider failure during testing is terminal, never
				// iterated as a schema problem.
				r.agentState(roles.RoleTester, AgentStateError)
				r.endRound(&rec)
				r.finalize(tRes.ErrorClass, "tester failed", round)
				return
			}
			if err != nil {
				tRec.ParseError = roles.ClipError(err.Error())
				r.agentState(roles.RoleTester, AgentStateError)
				mustFix = []string{"tester produced an invalid test plan: " + tRec.ParseError}
				r.summary.UnresolvedMustFix = mustFix
				r.endRound(&rec)
				if singleShot {
					r.finalize(OutcomeTesterSchemaInvalid, "invalid test plan", round)
					return
				}
				r.transition(StateIterate, "invalid test plan", round)
				prevFailing = ""
				continue rounds
			}

			tRec.OK = true
			tRec.CommandCount = len(tRes.Plan.Commands)
			r.agentState(roles.RoleTester, AgentStateDone)

			if r.checkCanceled(ctx, &rec, round) {
				return
			}
			out, runErr := r.e.runner.Run(ctx, tRes.Plan.Commands, testrunner.Options{
				Allowed:       r.opts.AllowedTestCommands,
				StopOnFailure: true,
				Timeout:       r.opts.TestCommandTimeout,
				KillGrace:     r.opts.KillGrace,
				Dir:           r.opts.Dir,
			})
			if runErr != nil {
				r.cancelFinalize(&rec, round)
				return
			}
			if data, jerr := json.MarshalIndent(out, "", "  "); jerr == nil {
				r.artifact(round, fmt.Sprintf("test-results-%d.json", attempt), data)
			}
			outcome = out
			tRec.TestsPassed = out.AllPassed
			tRec.Blocked = hasBlocked(out)

			if out.AllBlockedRetryable() && r.opts.TesterBlockedPolicy == PolicyResilient && attempt == 1 {
				tRec.RetryUsed = true
				retryFeedback = fmt.Sprintf(
					"All proposed commands were rejected by the allowlist. Commands must start with one of: %s.",
					strings.Join(r.opts.AllowedTestCommands, ", "))
				continue
			}
			break
		}

		if outcome.AllPassed {
			r.summary.UnresolvedMustFix = nil
			r.endRound(&rec)
			r.finalize(OutcomeApproved, "all tests passed", round)
			return
		}

		first := outcome.FirstFailing()
		if first == nil {
			// Nothing runnable failed: blocked commands alone stood
			// between this round and approval. Terminal, and distinct
			// from a genuine test failure.
			r.endRound(&rec)
			r.finalize(OutcomeTesterCommandBlocked, "test commands blocked", round)
			return
		}

		rec.FirstFailingCommand = first.Command
		if prevFailing != "" && first.Command == prevFailing {
			r.endRound(&rec)
			r.finalize(OutcomeRepeatedTestFailure, "same command failed in consecutive rounds", round)
			return
		}

		mustFix = []string{fmt.Sprintf("test command failed: %s\n%s", first.Command, outputTail(first))}
		r.summary.UnresolvedMustFix = mustFix
		r.endRound(&rec)
		if singleShot {
			r.finalize(OutcomeTestFailed, "tests failed", round)
			return
		}
		r.transition(StateIterate, "test failure", round)
		prevFailing = first.Command
	}

	r.finalize(OutcomeMaxIterationsReached, "iterations exhausted", r.summary.LastRound())
}

// transition appends one state event, chaining from the previous
// event's target state.
func (r *run) transition(to, reason string, round int) {
	from := ""
	if n := len(r.summary.StateEvents); n > 0 {
		from = r.summary.StateEvents[n-1].To
	}
	ev := taskstore.StateEvent{TS: time.Now(), From: from, To: to, Reason: reason, Round: round}
	r.summary.StateEvents = append(r.summary.StateEvents, ev)
	if err := r.e.store.AppendStateEvent(r.taskID, ev); err != nil {
		r.e.log.ErrorCtx("appending state event", map[string]any{"task_id": r.taskID, "error": err.Error()})
	}
	if r.opts.Live != nil && r.opts.Live.OnTransition != nil {
		r.opts.Live.OnTransition(r.taskID, ev)
	}
	r.summary.FinalStatus = to
}

// finalize records the terminal transition and persists the summary.
func (r *run) finalize(outcome, reason string, round int) {
	if outcome == "" {
		outcome = OutcomeInternalError
	}
	r.transition(StateFinalize, reason, round)
	r.summary.FinalOutcome = outcome
	r.summary.AwaitingOperatorConfirm = outcome == OutcomeAwaitingOperatorConfirm
	r.save()
	r.e.log.InfoCtx("task finalized", map[string]any{
		"task_id": r.taskID,
		"outcome": outcome,
		"rounds":  len(r.summary.Rounds),
	})
}

// endRound freezes the round record onto the summary and persists an
// intermediate snapshot so resumed or observing readers see progress.
func (r *run) endRound(rec *taskstore.Round) {
	r.summary.Rounds = append(r.summary.Rounds, *rec)
	r.save()
}

func (r *run) save() {
	if err := r.e.store.WriteSummary(r.taskID, r.summary); err != nil {
		r.e.log.ErrorCtx("writing summary", map[string]any{"task_id": r.taskID, "error": err.Error()})
	}
}

func (r *run) artifact(round int, name string, data []byte) {
	if err := r.e.store.AppendRoundArtifact(r.taskID, round, name, data); err != nil {
		r.e.log.ErrorCtx("writing artifact", map[string]any{"task_id": r.taskID, "name": name, "error": err.Error()})
	}
}

// checkCanceled is evaluated immediately before every suspension point.
func (r *run) checkCanceled(ctx context.Context, rec *taskstore.Round, round int) bool {
	if ctx.Err() == nil {
		return false
	}
	r.cancelFinalize(rec, round)
	return true
}

// cancelFinalize unwinds to finalize/canceled with must-fix cleared,
// writing the summary and timeline exactly as any other path would.
func (r *run) cancelFinalize(rec *taskstore.Round, round int) {
	if rec != nil && (rec.Coder != nil || rec.Reviewer != nil || rec.Tester != nil) {
		r.summary.Rounds = append(r.summary.Rounds, *rec)
	}
	r.summary.UnresolvedMustFix = nil
	r.finalize(OutcomeCanceled, "canceled by operator", round)
}

// failRound routes an unexpected role error to the matching terminal
// outcome. Anything unmodeled becomes internal_error with the clipped
// message recorded as a must-fix entry.
func (r *run) failRound(rec *taskstore.Round, round int, err error) {
	if isCanceled(err) {
		r.cancelFinalize(rec, round)
		return
	}
	if rec != nil && (rec.Coder != nil || rec.Reviewer != nil || rec.Tester != nil) {
		r.summary.Rounds = append(r.summary.Rounds, *rec)
	}
	if errors.Is(err, provider.ErrUnsupported) {
		r.finalize(OutcomeProviderUnsupported, "provider not registered", round)
		return
	}
	msg := roles.ClipError(err.Error())
	r.summary.UnresolvedMustFix = append(r.summary.UnresolvedMustFix, "internal error: "+msg)
	r.finalize(OutcomeInternalError, "unhandled error", round)
}

func isCanceled(err error) bool {
	return errors.Is(err, provider.ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *run) agentState(role roles.Role, state string) {
	if r.opts.Live != nil && r.opts.Live.OnAgentState != nil {
		r.opts.Live.OnAgentState(r.taskID, role, state)
	}
}

func (r *run) agentEvents(role roles.Role) func(supervisor.Event) {
	if r.opts.Live == nil || r.opts.Live.OnAgentEvent == nil {
		return nil
	}
	taskID, hook := r.taskID, r.opts.Live.OnAgentEvent
	return func(ev supervisor.Event) { hook(taskID, role, ev) }
}

func hasBlocked(out *testrunner.Outcome) bool {
	for _, res := range out.Results {
		if res.Blocked {
			return true
		}
	}
	return false
}

// maxTailBytes bounds the stderr excerpt carried into a must-fix entry.
const maxTailBytes = 500

// outputTail keeps the end of the failing command's stderr (falling
// back to stdout), trimmed at a rune boundary.
func outputTail(res *testrunner.Result) string {
	s := strings.TrimSpace(res.Stderr)
	if s == "" {
		s = strings.TrimSpace(res.Stdout)
	}
	if len(s) <= maxTailBytes {
		return s
	}
	cut := s[len(s)-maxTailBytes:]
	for len(cut) > 0 && cut[0]&0xC0 == 0x80 {
		cut = cut[1:]
	}
	return "…" + cut
}
