package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/supervisor"
)

// TesterMode mirrors the reviewer's two-mode structure.
type TesterMode string

const (
	TesterDiscussion TesterMode = "discussion"
	TesterStrictJSON TesterMode = "strict_json"
)

// TestPlan is the validated strict-mode tester output.
type TestPlan struct {
	TestPlan        string   `json:"test_plan"`
	Commands        []string `json:"commands"`
	ExpectedResults []string `json:"expected_results"`
}

// ErrInvalidTestPlan marks tester output that failed schema validation.
var ErrInvalidTestPlan = errors.New("invalid test plan")

// Tester is the role that proposes verification commands.
type Tester struct {
	adapter TextProvider
	binding Binding
}

// NewTester creates a tester bound to a provider.
func NewTester(adapter TextProvider, binding Binding) *Tester {
	return &Tester{adapter: adapter, binding: binding}
}

// TesterInput carries the tester context. RetryFeedback is injected
// when a prior attempt's commands were rejected by the allowlist.
type TesterInput struct {
	Mode            TesterMode
	Task            string
	Contract        string
	CoderOut        string
	AllowedPatterns []string
	RetryFeedback   string
	Round           int
	OnEvent         func(supervisor.Event)
}

// TesterResult is the parsed/validated tester output.
type TesterResult struct {
	RunID      string
	ErrorClass string
	Usage      *supervisor.Usage
	Text       string
	Plan       *TestPlan // strict mode only
	OK         bool
}

// Run invokes the tester's provider and validates the response.
func (t *Tester) Run(ctx context.Context, in TesterInput) (*TesterResult, error) {
	resp, err := t.adapter.ExecuteText(ctx, provider.Request{
		Provider:       t.binding.Provider,
		Model:          t.binding.Model,
		Prompt:         t.buildPrompt(in),
		PermissionMode: provider.PermissionModePlan,
		Dir:            t.binding.Dir,
		Timeout:        t.binding.Timeout,
		LogDir:         t.binding.LogDir,
		OnEvent:        in.OnEvent,
	})
	if err != nil {
		return nil, err
	}

	res := &TesterResult{
		RunID:      resp.RunID,
		ErrorClass: resp.ErrorClass,
		Usage:      resp.Usage,
		Text:       resp.Text,
	}

	if resp.ErrorClass != "" {
		return res, nil
	}

	if in.Mode == TesterDiscussion {
		res.OK = strings.TrimSpace(resp.Text) != ""
		return res, nil
	}

	plan, err := ParseTestPlan(resp.Text)
	if err != nil {
		return res, err
	}
	res.Plan = plan
	res.OK = true
	return res, nil
}

// ParseTestPlan validates strict-mode tester output.
func ParseTestPlan(text string) (*TestPlan, error) {
	var plan TestPlan
	if err := DecodeStrictJSON(text, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTestPlan, err)
	}
	if strings.TrimSpace(plan.TestPlan) == "" {
		return nil, fmt.Errorf("%w: test_plan is empty", ErrInvalidTestPlan)
	}
	if len(plan.Commands) == 0 {
		return nil, fmt.Errorf("%w: commands is empty", ErrInvalidTestPlan)
	}
	return &plan, nil
}

func (t *Tester) buildPrompt(in TesterInput) string {
	var sb strings.Builder

	sb.WriteString(peerFraming(RoleTester))
	sb.WriteString("\n\n## Task\n")
	sb.WriteString(in.Task)
	sb.WriteString("\n")

	if in.Contract != "" {
		sb.WriteString("\n## Agreed scope\n")
		sb.WriteString(in.Contract)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Coder output\n")
	sb.WriteString(in.CoderOut)
	sb.WriteString("\n")

	if in.Mode == TesterDiscussion {
		sb.WriteString(`
## Instructions
This is a planning discussion. Describe how you would verify this
change: what to test, what could break, what tooling applies. Do not
run anything. Plain text.
`)
		return sb.String()
	}

	if in.RetryFeedback != "" {
		sb.WriteString("\n## Previous attempt rejected\n")
		sb.WriteString(in.RetryFeedback)
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf(`
## Instructions
Propose verification commands for implementation round %d. Commands
MUST start with one of these allowed patterns:

%s

Output only valid JSON (no markdown, no extra text) with this schema:

{
  "test_plan": "what is being verified and why",
  "commands": ["npm test", ...],
  "expected_results": ["all unit tests pass", ...]
}
`, in.Round, bulletList(in.AllowedPatterns)))

	return sb.String()
}
