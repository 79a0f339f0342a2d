package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/supervisor"
)

// ReviewMode selects the reviewer's output contract.
type ReviewMode string

const (
	ReviewDiscussion ReviewMode = "discussion"  // free text, never blocking
	ReviewStrictJSON ReviewMode = "strict_json" // schema-checked verdict
)

// Decision values for strict reviews.
const (
	DecisionApprove          = "approve"
	DecisionChangesRequested = "changes_requested"
)

// Review is the validated strict-mode verdict. Invariant: MustFix is
// non-empty exactly when Decision is changes_requested.
type Review struct {
	Decision   string   `json:"decision"`
	MustFix    []string `json:"must_fix"`
	NiceToHave []string `json:"nice_to_have"`
	Tests      []string `json:"tests"`
	Security   []string `json:"security"`
}

// Reviewer is the role that gates the change.
type Reviewer struct {
	adapter TextProvider
	binding Binding
}

// NewReviewer creates a reviewer bound to a provider.
func NewReviewer(adapter TextProvider, binding Binding) *Reviewer {
	return &Reviewer{adapter: adapter, binding: binding}
}

// ReviewerInput carries the review context.
type ReviewerInput struct {
	Mode     ReviewMode
	Task     string
	Contract string
	CoderOut string
	Round    int
	OnEvent  func(supervisor.Event)
}

// ReviewerResult is the parsed/validated review.
type ReviewerResult struct {
	RunID      string
	ErrorClass string
	Usage      *supervisor.Usage
	Text       string
	Review     *Review // strict mode only
	ParseError string  // set when malformed JSON was recovered into a synthetic must-fix
	OK         bool
}

// ValidationError marks a syntactically valid review that violates the
// decision/must-fix rule. It is terminal for the round, unlike a parse
// failure which becomes a synthetic must-fix.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "review validation failed: " + e.Reason
}

// Run invokes the reviewer's provider and validates the response.
// Discussion mode is always non-blocking: any non-empty text is OK.
func (r *Reviewer) Run(ctx context.Context, in ReviewerInput) (*ReviewerResult, error) {
	resp, err := r.adapter.ExecuteText(ctx, provider.Request{
		Provider:       r.binding.Provider,
		Model:          r.binding.Model,
		Prompt:         r.buildPrompt(in),
		PermissionMode: provider.PermissionModePlan,
		Dir:            r.binding.Dir,
		Timeout:        r.binding.Timeout,
		LogDir:         r.binding.LogDir,
		OnEvent:        in.OnEvent,
	})
	if err != nil {
		return nil, err
	}

	res := &ReviewerResult{
		RunID:      resp.RunID,
		ErrorClass: resp.ErrorClass,
		Usage:      resp.Usage,
		Text:       resp.Text,
	}

	if resp.ErrorClass != "" {
		return res, nil
	}

	if in.Mode == ReviewDiscussion {
		res.OK = strings.TrimSpace(resp.Text) != ""
		return res, nil
	}

	review, parseErr, validationErr := ParseReview(resp.Text)
	if validationErr != nil {
		return res, validationErr
	}
	res.Review = review
	res.ParseError = parseErr
	res.OK = true
	return res, nil
}

// ParseReview validates strict-mode reviewer output. Malformed JSON is
// recovered into a synthetic changes_requested verdict carrying the
// parse failure as a must-fix entry; a well-formed object that breaks
// the must-fix/decision invariant is rejected outright.
func ParseReview(text string) (*Review, string, error) {
	var review Review
	if err := DecodeStrictJSON(text, &review); err != nil {
		msg := ClipError(fmt.Sprintf("reviewer output was not valid JSON: %v", err))
		return &Review{
			Decision: DecisionChangesRequested,
			MustFix:  []string{msg},
		}, msg, nil
	}

	switch review.Decision {
	case DecisionApprove:
		if len(review.MustFix) > 0 {
			return nil, "", &ValidationError{Reason: "decision is approve but must_fix is non-empty"}
		}
	case DecisionChangesRequested:
		if len(review.MustFix) == 0 {
			return nil, "", &ValidationError{Reason: "decision is changes_requested but must_fix is empty"}
		}
	default:
		return nil, "", &ValidationError{Reason: fmt.Sprintf("unknown decision %q", review.Decision)}
	}

	return &review, "", nil
}

func (r *Reviewer) buildPrompt(in ReviewerInput) string {
	var sb strings.Builder

	sb.WriteString(peerFraming(RoleReviewer))
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

	if in.Mode == ReviewDiscussion {
		sb.WriteString(`
## Instructions
This is a planning discussion, not a formal review. Critique the
proposal: scope gaps, risks, missing acceptance criteria. Plain text.
`)
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf(`
## Instructions
Review implementation round %d. Output only valid JSON (no markdown,
no extra text) with this schema:

{
  "decision": "approve" | "changes_requested",
  "must_fix": ["blocking issue", ...],
  "nice_to_have": ["optional improvement", ...],
  "tests": ["test gap", ...],
  "security": ["security concern", ...]
}

must_fix must be non-empty exactly when decision is changes_requested.
`, in.Round))

	return sb.String()
}
