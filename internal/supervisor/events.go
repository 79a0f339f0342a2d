package supervisor

import "time"

// EventType classifies run events emitted by the supervisor.
type EventType string

const (
	EventRunStarted     EventType = "run.started"     // about to spawn
	EventRunSpawned     EventType = "run.spawned"     // child process alive
	EventAssistantText  EventType = "assistant.text"  // model text chunk
	EventRunUsage       EventType = "run.usage"       // token/cost usage report
	EventStdoutLine     EventType = "stdout.line"     // raw stdout line (text mode)
	EventStderrLine     EventType = "stderr.line"     // raw stderr line
	EventRunError       EventType = "run.error"       // malformed output, preserved
	EventRunTerminating EventType = "run.terminating" // graceful kill initiated
	EventRunCompleted   EventType = "run.completed"   // process exited
	EventRunFailed      EventType = "run.failed"      // spawn failure
)

// Event is a typed run event. Every output line and lifecycle milestone
// becomes one of these; the ordered sequence is the run's event log.
type Event struct {
	Type EventType      `json:"type"`
	TS   time.Time      `json:"ts"`
	Data string         `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Usage captures a provider usage report from a run.usage event.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

// ExitInfo describes how the child process ended. The supervisor does
// not classify success or failure; that is the caller's concern.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"err,omitempty"`
}
