package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/roles"
	"github.com/crewline/crewline/internal/taskstore"
	"github.com/crewline/crewline/internal/testrunner"
	"github.com/crewline/crewline/internal/workflow"
)

// fakeAdapter scripts provider responses per provider name. Role
// bindings in the tests map each role to its own provider name so the
// script can target roles individually.
type fakeAdapter struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []provider.Request
}

type fakeResponse struct {
	resp *provider.Response
	err  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{responses: make(map[string][]fakeResponse)}
}

func (f *fakeAdapter) queueText(providerName, text string) {
	f.queue(providerName, &provider.Response{Text: text}, nil)
}

func (f *fakeAdapter) queue(providerName string, resp *provider.Response, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[providerName] = append(f.responses[providerName], fakeResponse{resp: resp, err: err})
}

func (f *fakeAdapter) ExecuteText(_ context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	q := f.responses[req.Provider]
	if len(q) == 0 {
		return &provider.Response{Text: "default response"}, nil
	}
	fr := q[0]
	f.responses[req.Provider] = q[1:]
	return fr.resp, fr.err
}

func (f *fakeAdapter) callsFor(providerName string) []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Request
	for _, c := range f.calls {
		if c.Provider == providerName {
			out = append(out, c)
		}
	}
	return out
}

// fakeExec scripts exit codes per command; unknown commands pass.
type fakeExec struct {
	mu     sync.Mutex
	codes  map[string]int
	stderr map[string]string
	calls  []string
}

func (f *fakeExec) Run(_ context.Context, command, _ string, _ time.Duration) (string, string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	return "", f.stderr[command], f.codes[command], nil
}

const (
	coderP    = "coder-p"
	reviewerP = "reviewer-p"
	testerP   = "tester-p"
)

func newTestEngine(adapter roles.TextProvider, exec testrunner.CommandRunner) (*workflow.Engine, *taskstore.MemStore) {
	if exec == nil {
		exec = &fakeExec{}
	}
	store := taskstore.NewMemStore()
	return workflow.NewEngine(adapter, testrunner.NewWithExecutor(exec), store), store
}

func baseOptions(mode string) workflow.Options {
	return workflow.Options{
		Provider: "claude",
		RoleProviders: map[string]string{
			"coder":    coderP,
			"reviewer": reviewerP,
			"tester":   testerP,
		},
		MaxIterations: 3,
		ExecutionMode: mode,
	}
}

const approveJSON = `{"decision":"approve","must_fix":[],"nice_to_have":[],"tests":[],"security":[]}`

func changesJSON(items ...string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = fmt.Sprintf("%q", it)
	}
	return fmt.Sprintf(`{"decision":"changes_requested","must_fix":[%s],"nice_to_have":[],"tests":[],"security":[]}`,
		strings.Join(quoted, ","))
}

func planJSON(commands ...string) string {
	quoted := make([]string, len(commands))
	for i, c := range commands {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`{"test_plan":"verify the change","commands":[%s],"expected_results":["all pass"]}`,
		strings.Join(quoted, ","))
}

func TestProposalRound(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "I would add validation to the form handlers.\n\nAcceptance criteria:\n- rejects empty input\n- rejects oversized payloads")
	adapter.queueText(reviewerP, "Scope looks right; watch out for unicode edge cases.")
	adapter.queueText(testerP, "I would verify with the unit suite plus a fuzz pass.")

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "add input validation", baseOptions(workflow.ModeProposal))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeAwaitingOperatorConfirm {
		t.Errorf("FinalOutcome = %q, want %q", summary.FinalOutcome, workflow.OutcomeAwaitingOperatorConfirm)
	}
	if !summary.AwaitingOperatorConfirm {
		t.Error("AwaitingOperatorConfirm = false, want true")
	}
	if len(summary.Rounds) != 1 {
		t.Fatalf("len(Rounds) = %d, want 1", len(summary.Rounds))
	}
	if summary.Rounds[0].Phase != workflow.ModeProposal {
		t.Errorf("round phase = %q, want proposal", summary.Rounds[0].Phase)
	}
	if summary.Contract == nil {
		t.Fatal("Contract = nil, want built")
	}
	if summary.Contract.SourceRound != 1 {
		t.Errorf("Contract.SourceRound = %d, want 1", summary.Contract.SourceRound)
	}
	if summary.Contract.Hash == "" {
		t.Error("Contract.Hash is empty")
	}
	if len(summary.Contract.AcceptanceCriteria) != 2 {
		t.Errorf("AcceptanceCriteria = %v, want 2 items", summary.Contract.AcceptanceCriteria)
	}

	coderCalls := adapter.callsFor(coderP)
	if len(coderCalls) != 1 {
		t.Fatalf("coder calls = %d, want 1", len(coderCalls))
	}
	if coderCalls[0].PermissionMode != provider.PermissionModePlan {
		t.Errorf("coder permission mode = %q, want plan", coderCalls[0].PermissionMode)
	}
}

func TestProposalCoderFailureShortCircuits(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queue(coderP, &provider.Response{ErrorClass: provider.ClassTimeout}, nil)

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "add validation", baseOptions(workflow.ModeProposal))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != provider.ClassTimeout {
		t.Errorf("FinalOutcome = %q, want %q", summary.FinalOutcome, provider.ClassTimeout)
	}
	if len(adapter.callsFor(reviewerP)) != 0 {
		t.Error("reviewer was called after coder failure")
	}
	if summary.Contract != nil {
		t.Error("contract built from a failed proposal")
	}
}

func TestImmediateApproval(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "implemented the validation; summary attached")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	exec := &fakeExec{}
	engine, _ := newTestEngine(adapter, exec)
	summary, err := engine.RunTask(context.Background(), "add validation", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeApproved {
		t.Errorf("FinalOutcome = %q, want approved", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 1 {
		t.Fatalf("len(Rounds) = %d, want 1", len(summary.Rounds))
	}
	round := summary.Rounds[0]
	if round.Reviewer == nil || round.Reviewer.Decision != roles.DecisionApprove {
		t.Errorf("reviewer decision = %+v, want approve", round.Reviewer)
	}
	if round.Tester == nil || !round.Tester.TestsPassed {
		t.Errorf("tester record = %+v, want tests passed", round.Tester)
	}
	if round.Tester.RetryUsed {
		t.Error("RetryUsed = true on a clean pass")
	}
	if len(summary.UnresolvedMustFix) != 0 {
		t.Errorf("UnresolvedMustFix = %v, want empty", summary.UnresolvedMustFix)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "npm test" {
		t.Errorf("executed commands = %v, want [npm test]", exec.calls)
	}
}

func TestOperatorGateAndResume(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "proposal text")
	adapter.queueText(reviewerP, "discussion")
	adapter.queueText(testerP, "test discussion")

	engine, store := newTestEngine(adapter, nil)

	opts := baseOptions(workflow.ModeProposal)
	opts.TaskID = "task-gate-1"
	proposal, err := engine.RunTask(context.Background(), "add validation", opts)
	if err != nil {
		t.Fatalf("proposal RunTask() error = %v", err)
	}
	if proposal.FinalOutcome != workflow.OutcomeAwaitingOperatorConfirm {
		t.Fatalf("proposal outcome = %q", proposal.FinalOutcome)
	}

	// Unconfirmed implementation call must not touch stored state.
	implOpts := baseOptions(workflow.ModeImplementation)
	implOpts.TaskID = "task-gate-1"
	gated, err := engine.RunTask(context.Background(), "add validation", implOpts)
	if !errors.Is(err, workflow.ErrOperatorGate) {
		t.Fatalf("unconfirmed RunTask() error = %v, want ErrOperatorGate", err)
	}
	if gated.FinalOutcome != workflow.OutcomeAwaitingOperatorConfirm {
		t.Errorf("gated outcome = %q, want preserved awaiting_operator_confirm", gated.FinalOutcome)
	}
	stored, err := store.ReadSummary("task-gate-1")
	if err != nil {
		t.Fatalf("ReadSummary() error = %v", err)
	}
	if len(stored.Rounds) != 1 || !stored.AwaitingOperatorConfirm {
		t.Errorf("stored state mutated by gated call: rounds=%d awaiting=%v",
			len(stored.Rounds), stored.AwaitingOperatorConfirm)
	}

	// Confirmed run continues the round counter.
	adapter.queueText(coderP, "implemented per contract")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))
	implOpts.OperatorConfirmed = true
	final, err := engine.RunTask(context.Background(), "add validation", implOpts)
	if err != nil {
		t.Fatalf("confirmed RunTask() error = %v", err)
	}
	if final.FinalOutcome != workflow.OutcomeApproved {
		t.Errorf("final outcome = %q, want approved", final.FinalOutcome)
	}

	var prev int
	for _, r := range final.Rounds {
		if r.Round <= prev {
			t.Errorf("round numbers not strictly increasing: %d after %d", r.Round, prev)
		}
		prev = r.Round
	}
	if final.Rounds[len(final.Rounds)-1].Round != 2 {
		t.Errorf("last round = %d, want 2", final.Rounds[len(final.Rounds)-1].Round)
	}

	// The implementation coder prompt carries the inherited contract.
	coderCalls := adapter.callsFor(coderP)
	if len(coderCalls) != 2 {
		t.Fatalf("coder calls = %d, want 2", len(coderCalls))
	}
	if !strings.Contains(coderCalls[1].Prompt, "proposal text") {
		t.Error("implementation coder prompt does not include the contract plan")
	}
}

func TestMustFixCarryover(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "first attempt")
	adapter.queueText(reviewerP, changesJSON("handle empty input"))
	adapter.queueText(coderP, "second attempt")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "add validation", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeApproved {
		t.Errorf("FinalOutcome = %q, want approved", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 2 {
		t.Fatalf("len(Rounds) = %d, want 2", len(summary.Rounds))
	}
	first := summary.Rounds[0]
	if first.Reviewer.Decision != roles.DecisionChangesRequested || first.Reviewer.MustFixCount != 1 {
		t.Errorf("round 1 reviewer = %+v", first.Reviewer)
	}

	coderCalls := adapter.callsFor(coderP)
	if !strings.Contains(coderCalls[1].Prompt, "handle empty input") {
		t.Error("round 2 coder prompt missing carried-over must-fix")
	}
}

func TestRepeatedFailureBreaker(t *testing.T) {
	adapter := newFakeAdapter()
	for i := 0; i < 2; i++ {
		adapter.queueText(coderP, "attempt")
		adapter.queueText(reviewerP, approveJSON)
		adapter.queueText(testerP, planJSON("npm test"))
	}

	exec := &fakeExec{
		codes:  map[string]int{"npm test": 1},
		stderr: map[string]string{"npm test": "assertion failed: expected 2 got 3"},
	}
	engine, _ := newTestEngine(adapter, exec)
	summary, err := engine.RunTask(context.Background(), "fix the bug", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeRepeatedTestFailure {
		t.Errorf("FinalOutcome = %q, want repeated_test_failure", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 2 {
		t.Fatalf("len(Rounds) = %d, want 2", len(summary.Rounds))
	}
	for i, r := range summary.Rounds {
		if r.FirstFailingCommand != "npm test" {
			t.Errorf("round %d FirstFailingCommand = %q, want npm test", i+1, r.FirstFailingCommand)
		}
	}
	if !strings.Contains(summary.UnresolvedMustFix[0], "assertion failed") {
		t.Errorf("must-fix missing stderr tail: %v", summary.UnresolvedMustFix)
	}
}

func TestMaxIterationsReached(t *testing.T) {
	adapter := newFakeAdapter()
	for i := 0; i < 2; i++ {
		adapter.queueText(coderP, "attempt")
		adapter.queueText(reviewerP, changesJSON("still broken"))
	}

	engine, _ := newTestEngine(adapter, nil)
	opts := baseOptions(workflow.ModeImplementation)
	opts.MaxIterations = 2
	summary, err := engine.RunTask(context.Background(), "fix it", opts)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeMaxIterationsReached {
		t.Errorf("FinalOutcome = %q, want max_iterations_reached", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 2 {
		t.Errorf("len(Rounds) = %d, want 2", len(summary.Rounds))
	}
	if len(summary.UnresolvedMustFix) == 0 {
		t.Error("UnresolvedMustFix empty after unresolved review")
	}
}

func TestAbortReachesFinalize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := newFakeAdapter()
	engine, store := newTestEngine(adapter, nil)
	opts := baseOptions(workflow.ModeImplementation)
	opts.TaskID = "task-abort-1"

	summary, err := engine.RunTask(ctx, "anything", opts)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if summary.FinalOutcome != workflow.OutcomeCanceled {
		t.Errorf("FinalOutcome = %q, want canceled", summary.FinalOutcome)
	}
	if len(summary.UnresolvedMustFix) != 0 {
		t.Errorf("UnresolvedMustFix = %v, want cleared", summary.UnresolvedMustFix)
	}

	finalizes := 0
	for _, ev := range summary.StateEvents {
		if ev.To == workflow.StateFinalize {
			finalizes++
		}
	}
	if finalizes != 1 {
		t.Errorf("finalize transitions = %d, want exactly 1", finalizes)
	}

	if _, err := store.ReadSummary("task-abort-1"); err != nil {
		t.Errorf("summary not persisted after abort: %v", err)
	}
}

func TestCancelDuringAgentCall(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queue(coderP, nil, fmt.Errorf("%w: claude", provider.ErrCanceled))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "anything", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if summary.FinalOutcome != workflow.OutcomeCanceled {
		t.Errorf("FinalOutcome = %q, want canceled", summary.FinalOutcome)
	}
}

func TestResilientRetryBlockedCommands(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm run lint"))
	adapter.queueText(testerP, planJSON("npm run lint"))

	exec := &fakeExec{}
	engine, _ := newTestEngine(adapter, exec)
	opts := baseOptions(workflow.ModeImplementation)
	opts.TesterBlockedPolicy = workflow.PolicyResilient
	summary, err := engine.RunTask(context.Background(), "add lint", opts)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeTesterCommandBlocked {
		t.Errorf("FinalOutcome = %q, want tester_command_blocked", summary.FinalOutcome)
	}
	last := summary.Rounds[len(summary.Rounds)-1]
	if last.Tester == nil || !last.Tester.RetryUsed {
		t.Errorf("tester record = %+v, want retry_used true", last.Tester)
	}
	if !last.Tester.Blocked {
		t.Error("tester record not marked blocked")
	}

	testerCalls := adapter.callsFor(testerP)
	if len(testerCalls) != 2 {
		t.Fatalf("tester calls = %d, want 2", len(testerCalls))
	}
	if !strings.Contains(testerCalls[1].Prompt, "Previous attempt rejected") {
		t.Error("retry prompt missing rejection feedback")
	}
	if len(exec.calls) != 0 {
		t.Errorf("blocked commands were executed: %v", exec.calls)
	}
}

func TestStrictPolicyNeverRetries(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm run lint"))

	engine, _ := newTestEngine(adapter, nil)
	opts := baseOptions(workflow.ModeImplementation)
	opts.TesterBlockedPolicy = workflow.PolicyStrict
	summary, err := engine.RunTask(context.Background(), "add lint", opts)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeTesterCommandBlocked {
		t.Errorf("FinalOutcome = %q, want tester_command_blocked", summary.FinalOutcome)
	}
	if calls := adapter.callsFor(testerP); len(calls) != 1 {
		t.Errorf("tester calls = %d, want 1", len(calls))
	}
	if summary.Rounds[0].Tester.RetryUsed {
		t.Error("RetryUsed = true under strict policy")
	}
}

func TestMaliciousCommandNeverRetried(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON(`node -e "require('child_process').exec('rm -rf /')"`))

	exec := &fakeExec{}
	engine, _ := newTestEngine(adapter, exec)
	opts := baseOptions(workflow.ModeImplementation)
	opts.TesterBlockedPolicy = workflow.PolicyResilient
	summary, err := engine.RunTask(context.Background(), "add tests", opts)
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeTesterCommandBlocked {
		t.Errorf("FinalOutcome = %q, want tester_command_blocked", summary.FinalOutcome)
	}
	if calls := adapter.callsFor(testerP); len(calls) != 1 {
		t.Errorf("tester calls = %d, want 1 (no retry for malicious)", len(calls))
	}
	if summary.Rounds[0].Tester.RetryUsed {
		t.Error("RetryUsed = true for a malicious block")
	}
	if len(exec.calls) != 0 {
		t.Errorf("malicious command was executed: %v", exec.calls)
	}
}

func TestReviewValidationErrorTerminal(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, `{"decision":"approve","must_fix":["but also fix this"]}`)

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeReviewSchemaInvalid {
		t.Errorf("FinalOutcome = %q, want review_schema_invalid", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 1 {
		t.Errorf("len(Rounds) = %d, want 1 (not iterated)", len(summary.Rounds))
	}
	if len(adapter.callsFor(testerP)) != 0 {
		t.Error("tester called after terminal review error")
	}
}

func TestReviewerMalformedJSONRecovered(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "first attempt")
	adapter.queueText(reviewerP, "I think this is fine but here is prose, not JSON")
	adapter.queueText(coderP, "second attempt")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeApproved {
		t.Errorf("FinalOutcome = %q, want approved after recovery round", summary.FinalOutcome)
	}
	first := summary.Rounds[0].Reviewer
	if first.Decision != roles.DecisionChangesRequested {
		t.Errorf("round 1 decision = %q, want synthetic changes_requested", first.Decision)
	}
	if first.ParseError == "" {
		t.Error("round 1 ParseError empty, want recorded parse failure")
	}
}

func TestTesterSchemaInvalidIterates(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "first attempt")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, `{"commands":["npm test"]}`) // missing test_plan
	adapter.queueText(coderP, "second attempt")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	if summary.FinalOutcome != workflow.OutcomeApproved {
		t.Errorf("FinalOutcome = %q, want approved", summary.FinalOutcome)
	}
	if len(summary.Rounds) != 2 {
		t.Fatalf("len(Rounds) = %d, want 2", len(summary.Rounds))
	}
	if summary.Rounds[0].Tester.ParseError == "" {
		t.Error("round 1 tester ParseError empty")
	}

	coderCalls := adapter.callsFor(coderP)
	if !strings.Contains(coderCalls[1].Prompt, "invalid test plan") {
		t.Error("round 2 coder prompt missing synthetic must-fix")
	}
}

func TestTesterProviderErrorTerminal(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queue(testerP, &provider.Response{ErrorClass: provider.ClassNetworkError}, nil)

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if summary.FinalOutcome != provider.ClassNetworkError {
		t.Errorf("FinalOutcome = %q, want %q", summary.FinalOutcome, provider.ClassNetworkError)
	}
}

func TestUnsupportedProvider(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queue(coderP, nil, fmt.Errorf("%w: mystery", provider.ErrUnsupported))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if summary.FinalOutcome != workflow.OutcomeProviderUnsupported {
		t.Errorf("FinalOutcome = %q, want provider_unsupported", summary.FinalOutcome)
	}
}

func TestUnexpectedErrorBecomesInternal(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queue(coderP, nil, errors.New("boom"))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	if summary.FinalOutcome != workflow.OutcomeInternalError {
		t.Errorf("FinalOutcome = %q, want internal_error", summary.FinalOutcome)
	}
	if len(summary.UnresolvedMustFix) == 0 || !strings.Contains(summary.UnresolvedMustFix[0], "boom") {
		t.Errorf("UnresolvedMustFix = %v, want clipped error entry", summary.UnresolvedMustFix)
	}
}

func TestSingleShotOutcomes(t *testing.T) {
	t.Run("changes requested", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.queueText(coderP, "attempt")
		adapter.queueText(reviewerP, changesJSON("nope"))

		engine, _ := newTestEngine(adapter, nil)
		opts := baseOptions(workflow.ModeImplementation)
		opts.MaxIterations = 1
		summary, err := engine.RunTask(context.Background(), "task", opts)
		if err != nil {
			t.Fatalf("RunTask() error = %v", err)
		}
		if summary.FinalOutcome != workflow.OutcomeReviewChangesRequested {
			t.Errorf("FinalOutcome = %q, want review_changes_requested", summary.FinalOutcome)
		}
	})

	t.Run("test failed", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.queueText(coderP, "attempt")
		adapter.queueText(reviewerP, approveJSON)
		adapter.queueText(testerP, planJSON("npm test"))

		exec := &fakeExec{codes: map[string]int{"npm test": 2}}
		engine, _ := newTestEngine(adapter, exec)
		opts := baseOptions(workflow.ModeImplementation)
		opts.MaxIterations = 1
		summary, err := engine.RunTask(context.Background(), "task", opts)
		if err != nil {
			t.Fatalf("RunTask() error = %v", err)
		}
		if summary.FinalOutcome != workflow.OutcomeTestFailed {
			t.Errorf("FinalOutcome = %q, want test_failed", summary.FinalOutcome)
		}
	})
}

func TestStateEventChain(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "first attempt")
	adapter.queueText(reviewerP, changesJSON("fix it"))
	adapter.queueText(coderP, "second attempt")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	engine, _ := newTestEngine(adapter, nil)
	summary, err := engine.RunTask(context.Background(), "task", baseOptions(workflow.ModeImplementation))
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	events := summary.StateEvents
	if len(events) == 0 {
		t.Fatal("no state events recorded")
	}
	if events[0].From != "" {
		t.Errorf("first event From = %q, want empty", events[0].From)
	}
	for i := 1; i < len(events); i++ {
		if events[i].From != events[i-1].To {
			t.Errorf("event %d From = %q, want %q", i, events[i].From, events[i-1].To)
		}
	}
	if events[len(events)-1].To != workflow.StateFinalize {
		t.Errorf("last event To = %q, want finalize", events[len(events)-1].To)
	}
}

func TestLiveHooksFire(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.queueText(coderP, "done")
	adapter.queueText(reviewerP, approveJSON)
	adapter.queueText(testerP, planJSON("npm test"))

	var mu sync.Mutex
	var states []string
	var transitions []string

	engine, _ := newTestEngine(adapter, nil)
	opts := baseOptions(workflow.ModeImplementation)
	opts.Live = &workflow.LiveHooks{
		OnAgentState: func(_ string, role roles.Role, state string) {
			mu.Lock()
			states = append(states, string(role)+":"+state)
			mu.Unlock()
		},
		OnTransition: func(_ string, ev taskstore.StateEvent) {
			mu.Lock()
			transitions = append(transitions, ev.To)
			mu.Unlock()
		},
	}

	if _, err := engine.RunTask(context.Background(), "task", opts); err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 {
		t.Error("no agent state hooks fired")
	}
	want := []string{workflow.StateIntake, workflow.StateBuild, workflow.StateReview, workflow.StateTest, workflow.StateFinalize}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}
