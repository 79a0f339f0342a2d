package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewline/crewline/internal/provider"
	"github.com/crewline/crewline/internal/supervisor"
)

// CoderMode selects between planning-only and editing rounds.
type CoderMode string

const (
	CoderProposal       CoderMode = "proposal"       // no file edits, planning narrative
	CoderImplementation CoderMode = "implementation" // concrete edits plus summary
)

// Coder is the role that writes (or plans) the change.
type Coder struct {
	adapter TextProvider
	binding Binding
}

// NewCoder creates a coder bound to a provider.
func NewCoder(adapter TextProvider, binding Binding) *Coder {
	return &Coder{adapter: adapter, binding: binding}
}

// CoderInput carries everything the coder prompt needs.
type CoderInput struct {
	Mode     CoderMode
	Task     string
	Contract string   // inherited discussion contract, rendered
	MustFix  []string // carried-over blocking issues
	Round    int
	OnEvent  func(supervisor.Event)
}

// CoderResult is the coder's validated output. There is no schema
// beyond non-empty text; a provider failure or empty response is a
// hard failure for the round.
type CoderResult struct {
	Text       string
	RunID      string
	ErrorClass string
	Usage      *supervisor.Usage
	OK         bool
}

// Run invokes the coder's provider and validates the response.
func (c *Coder) Run(ctx context.Context, in CoderInput) (*CoderResult, error) {
	permMode := ""
	if in.Mode == CoderProposal {
		permMode = provider.PermissionModePlan
	}

	resp, err := c.adapter.ExecuteText(ctx, provider.Request{
		Provider:       c.binding.Provider,
		Model:          c.binding.Model,
		Prompt:         c.buildPrompt(in),
		PermissionMode: permMode,
		Dir:            c.binding.Dir,
		Timeout:        c.binding.Timeout,
		LogDir:         c.binding.LogDir,
		OnEvent:        in.OnEvent,
	})
	if err != nil {
		return nil, err
	}

	res := &CoderResult{
		Text:       resp.Text,
		RunID:      resp.RunID,
		ErrorClass: resp.ErrorClass,
		Usage:      resp.Usage,
	}
	res.OK = resp.ErrorClass == "" && strings.TrimSpace(resp.Text) != ""
	if res.OK {
		return res, nil
	}
	if res.ErrorClass == "" {
		res.ErrorClass = provider.ClassRuntimeError
	}
	return res, nil
}

func (c *Coder) buildPrompt(in CoderInput) string {
	var sb strings.Builder

	sb.WriteString(peerFraming(RoleCoder))
	sb.WriteString("\n\n## Task\n")
	sb.WriteString(in.Task)
	sb.WriteString("\n")

	if in.Contract != "" {
		sb.WriteString("\n## Agreed scope\n")
		sb.WriteString(in.Contract)
		sb.WriteString("\n")
	}

	if len(in.MustFix) > 0 {
		sb.WriteString("\n## Blocking issues from review\n")
		sb.WriteString(bulletList(in.MustFix))
		sb.WriteString("\n")
	}

	switch in.Mode {
	case CoderProposal:
		sb.WriteString(`
## Instructions
1. Do NOT edit any files. This is a planning round.
2. Describe your proposed approach: scope, files you would touch,
   risks, and how the change would be verified.
3. State any assumptions explicitly.
`)
	default:
		sb.WriteString(fmt.Sprintf(`
## Instructions
1. This is implementation round %d. Make the concrete code changes.
2. Address every blocking issue listed above before anything else.
3. Finish with a short summary of what you changed and why.
`, in.Round))
	}

	return sb.String()
}
