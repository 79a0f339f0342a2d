package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/crewline/crewline/internal/taskstore"
)

// BuildContract condenses a proposal round's three discussion texts into
// the hashed scope snapshot later implementation rounds inherit, so they
// carry agreed context without re-reading full transcripts.
func BuildContract(goal string, sourceRound int, coderText, reviewerText, testerText string, mustFix []string) *taskstore.Contract {
	c := &taskstore.Contract{
		Version:            1,
		SourceRound:        sourceRound,
		Goal:               strings.TrimSpace(goal),
		CorePlan:           strings.TrimSpace(coderText),
		ReviewerNotes:      strings.TrimSpace(reviewerText),
		TesterNotes:        strings.TrimSpace(testerText),
		AcceptanceCriteria: extractSection(coderText+"\n"+testerText, "acceptance"),
		Constraints:        extractSection(coderText+"\n"+reviewerText, "constraint"),
		OpenRisks:          extractSection(coderText+"\n"+reviewerText+"\n"+testerText, "risk"),
		MustFix:            mustFix,
	}
	c.Hash = ContractHash(c)
	return c
}

// ContractHash derives the order-stable content hash. It must be
// recomputed whenever any field changes.
func ContractHash(c *taskstore.Contract) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(strconv.Itoa(c.Version), strconv.Itoa(c.SourceRound))
	write(c.Goal, c.CorePlan, c.ReviewerNotes, c.TesterNotes)
	write("acceptance")
	write(c.AcceptanceCriteria...)
	write("constraints")
	write(c.Constraints...)
	write("must_fix")
	write(c.MustFix...)
	write("risks")
	write(c.OpenRisks...)
	return hex.EncodeToString(h.Sum(nil))
}

// RenderContract produces the prompt-ready text form of a contract.
func RenderContract(c *taskstore.Contract) string {
	if !c.Valid() {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", c.Goal)
	if c.CorePlan != "" {
		fmt.Fprintf(&sb, "\nPlan:\n%s\n", c.CorePlan)
	}
	if c.ReviewerNotes != "" {
		fmt.Fprintf(&sb, "\nReviewer notes:\n%s\n", c.ReviewerNotes)
	}
	if c.TesterNotes != "" {
		fmt.Fprintf(&sb, "\nTester notes:\n%s\n", c.TesterNotes)
	}
	writeList(&sb, "Acceptance criteria", c.AcceptanceCriteria)
	writeList(&sb, "Constraints", c.Constraints)
	writeList(&sb, "Must fix", c.MustFix)
	writeList(&sb, "Open risks", c.OpenRisks)
	return strings.TrimRight(sb.String(), "\n")
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

// extractSection pulls bullet items from beneath headings mentioning the
// keyword. Discussion texts are free-form; this is best-effort structure
// recovery, and an empty result is fine.
func extractSection(text, keyword string) []string {
	var out []string
	in := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		isHeading := strings.HasPrefix(trimmed, "#") || strings.HasSuffix(trimmed, ":")
		if isHeading {
			in = strings.Contains(lower, keyword)
			continue
		}
		if !in {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			out = append(out, strings.TrimSpace(trimmed[2:]))
		case trimmed != "":
			in = false
		}
	}
	return out
}
