package workflow

import (
	"strings"
	"testing"

	"github.com/crewline/crewline/internal/taskstore"
)

func TestBuildContractExtractsSections(t *testing.T) {
	coder := `I would refactor the cache layer.

Acceptance criteria:
- hit ratio is reported
- eviction is LRU

Constraints:
- no new dependencies
`
	reviewer := `Looks reasonable.

Risks:
- cache stampede under load
`
	tester := "I would run the cache benchmarks."

	c := BuildContract("refactor the cache", 3, coder, reviewer, tester, nil)

	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	if c.SourceRound != 3 {
		t.Errorf("SourceRound = %d, want 3", c.SourceRound)
	}
	if c.Goal != "refactor the cache" {
		t.Errorf("Goal = %q", c.Goal)
	}
	if len(c.AcceptanceCriteria) != 2 {
		t.Errorf("AcceptanceCriteria = %v, want 2 items", c.AcceptanceCriteria)
	}
	if len(c.Constraints) != 1 || c.Constraints[0] != "no new dependencies" {
		t.Errorf("Constraints = %v", c.Constraints)
	}
	if len(c.OpenRisks) != 1 || c.OpenRisks[0] != "cache stampede under load" {
		t.Errorf("OpenRisks = %v", c.OpenRisks)
	}
	if c.Hash == "" {
		t.Error("Hash is empty")
	}
}

func TestContractHashStable(t *testing.T) {
	build := func() *taskstore.Contract {
		return BuildContract("goal", 1, "plan", "review", "test", []string{"fix a"})
	}
	a, b := build(), build()
	if a.Hash != b.Hash {
		t.Errorf("identical contracts hash differently: %s vs %s", a.Hash, b.Hash)
	}

	c := build()
	c.TesterNotes = "different"
	if got := ContractHash(c); got == a.Hash {
		t.Error("hash unchanged after field edit")
	}
}

func TestContractHashFieldBoundaries(t *testing.T) {
	// Moving content between adjacent fields must change the hash.
	a := BuildContract("goal", 1, "planX", "review", "", nil)
	b := BuildContract("goal", 1, "plan", "Xreview", "", nil)
	if a.Hash == b.Hash {
		t.Error("hash collides across field boundaries")
	}
}

func TestRenderContract(t *testing.T) {
	c := BuildContract("add validation", 1, "validate inputs", "watch unicode", "fuzz it", nil)
	c.AcceptanceCriteria = []string{"rejects empty input"}

	out := RenderContract(c)
	for _, want := range []string{
		"Goal: add validation",
		"validate inputs",
		"watch unicode",
		"fuzz it",
		"- rejects empty input",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderContract missing %q in:\n%s", want, out)
		}
	}
}

func TestRenderContractAbsent(t *testing.T) {
	if got := RenderContract(nil); got != "" {
		t.Errorf("RenderContract(nil) = %q, want empty", got)
	}
	empty := &taskstore.Contract{Version: 1, SourceRound: 2}
	if got := RenderContract(empty); got != "" {
		t.Errorf("RenderContract(empty) = %q, want empty", got)
	}
}

func TestExtractSectionEndsAtProse(t *testing.T) {
	text := `Acceptance criteria:
- first
- second
then some prose that closes the section
- stray bullet
`
	got := extractSection(text, "acceptance")
	if len(got) != 2 {
		t.Errorf("extractSection = %v, want the two leading bullets", got)
	}
}

func TestExtractSectionMarkdownHeading(t *testing.T) {
	text := "## Acceptance\n- covered\n\n## Other\n- not this"
	got := extractSection(text, "acceptance")
	if len(got) != 1 || got[0] != "covered" {
		t.Errorf("extractSection = %v, want [covered]", got)
	}
}
