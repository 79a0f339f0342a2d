package workflow

import (
	"time"

	"github.com/crewline/crewline/internal/taskstore"
)

// Transition is one timeline step. Duration is the time spent in the
// target state, i.e. until the next event fires; zero for the last.
type Transition struct {
	From     string        `json:"from,omitempty"`
	To       string        `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	Round    int           `json:"round,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// RoundTimeline aggregates the transitions belonging to one round.
type RoundTimeline struct {
	Round    int           `json:"round"`
	States   []string      `json:"states"`
	Duration time.Duration `json:"duration"`
}

// Timeline is derived purely from the state-event log; any consumer can
// recompute it without access to coordinator internals.
type Timeline struct {
	Transitions []Transition    `json:"transitions"`
	Rounds      []RoundTimeline `json:"rounds"`
	Total       time.Duration   `json:"total"`
}

// BuildTimeline derives per-transition and per-round durations from the
// ordered state events.
func BuildTimeline(events []taskstore.StateEvent) *Timeline {
	tl := &Timeline{}
	if len(events) == 0 {
		return tl
	}

	for i, ev := range events {
		t := Transition{
			From:   ev.From,
			To:     ev.To,
			Reason: ev.Reason,
			Round:  ev.Round,
			At:     ev.TS,
		}
		if i+1 < len(events) {
			t.Duration = events[i+1].TS.Sub(ev.TS)
		}
		tl.Transitions = append(tl.Transitions, t)
	}
	tl.Total = events[len(events)-1].TS.Sub(events[0].TS)

	byRound := make(map[int]*RoundTimeline)
	var order []int
	for _, t := range tl.Transitions {
		if t.Round == 0 {
			continue
		}
		rt, ok := byRound[t.Round]
		if !ok {
			rt = &RoundTimeline{Round: t.Round}
			byRound[t.Round] = rt
			order = append(order, t.Round)
		}
		rt.States = append(rt.States, t.To)
		rt.Duration += t.Duration
	}
	for _, n := range order {
		tl.Rounds = append(tl.Rounds, *byRound[n])
	}
	return tl
}
