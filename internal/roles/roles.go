// Package roles implements the three agent roles sitting atop the
// provider adapter: coder, reviewer, and tester. Each role builds its
// prompt, invokes its bound provider, and validates the response
// against its output schema.
package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crewline/crewline/internal/provider"
)

// Role identifies an agent role.
type Role string

const (
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
	RoleTester   Role = "tester"
)

// TextProvider is the slice of the provider adapter the roles need.
type TextProvider interface {
	ExecuteText(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Binding ties a role to a provider invocation target.
type Binding struct {
	Provider string
	Model    string
	Dir      string
	LogDir   string
	Timeout  time.Duration
}

// maxErrClip bounds error text carried into prompts and summaries.
const maxErrClip = 500

// ClipError truncates a message to maxErrClip bytes at a rune boundary
// so a clipped message never corrupts the log with a split escape.
func ClipError(msg string) string {
	if len(msg) <= maxErrClip {
		return msg
	}
	clipped := msg[:maxErrClip]
	// Trim a trailing partial rune so the cut never splits UTF-8.
	for len(clipped) > 0 && clipped[len(clipped)-1]&0xC0 == 0x80 {
		clipped = clipped[:len(clipped)-1]
	}
	if len(clipped) > 0 && clipped[len(clipped)-1] >= 0xC0 {
		clipped = clipped[:len(clipped)-1]
	}
	return clipped + "…"
}

// peerFraming describes the crew to each member so prompts carry the
// same shared context the roles would have in a standup.
func peerFraming(self Role) string {
	peers := map[Role]string{
		RoleCoder:    "a coder writing the change",
		RoleReviewer: "a reviewer gatekeeping quality",
		RoleTester:   "a tester verifying behavior",
	}
	order := []Role{RoleCoder, RoleReviewer, RoleTester}
	var others []string
	for _, r := range order {
		if r != self {
			others = append(others, peers[r])
		}
	}
	return fmt.Sprintf("You are %s, working alongside %s and %s.", peers[self], others[0], others[1])
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString("- ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
