// Package supervisor spawns external provider commands and streams their
// output line-by-line as typed run events. It owns idle-timeout detection,
// graceful SIGTERM-then-SIGKILL termination, and the durable per-run
// event and transcript logs.
package supervisor

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crewline/crewline/internal/logging"
)

const (
	// DefaultIdleTimeout kills a run after this much output silence.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultKillGrace is the SIGTERM-to-SIGKILL grace period.
	DefaultKillGrace = 5 * time.Second

	maxLineBytes = 1024 * 1024
)

// ParseMode selects how stdout lines are interpreted.
type ParseMode string

const (
	ParseNDJSON ParseMode = "ndjson" // each stdout line is a JSON object
	ParseText   ParseMode = "text"   // each stdout line is a text chunk
)

// Spec describes one supervised run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   string

	ParseMode   ParseMode     // default ParseText
	IdleTimeout time.Duration // default DefaultIdleTimeout
	KillGrace   time.Duration // default DefaultKillGrace
	LogDir      string        // durable run logs written under LogDir/<runID>/

	// OnEvent receives every event synchronously, in emission order.
	OnEvent func(Event)
	// ShouldTerminate is evaluated on every event; returning true
	// initiates graceful termination without waiting for the timeout.
	ShouldTerminate func(Event) bool
}

// RunResult is the outcome of a supervised run.
type RunResult struct {
	RunID      string
	ExitInfo   ExitInfo
	Aborted    bool   // context cancellation fired
	TermReason string // why graceful termination was initiated, if it was
}

// NewRunID returns a time+random run identifier.
func NewRunID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("run-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}

type run struct {
	spec  Spec
	runID string
	log   *logging.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	eventFile    *os.File
	transcript   *os.File
	lastActivity time.Time
	terminated   bool
	termReason   string
	aborted      bool
	exited       chan struct{}
}

// RunStreaming spawns the command described by spec and blocks until the
// child exits or is terminated. Context cancellation aborts the run via
// the graceful termination protocol.
func RunStreaming(ctx context.Context, spec Spec) (*RunResult, error) {
	if spec.IdleTimeout <= 0 {
		spec.IdleTimeout = DefaultIdleTimeout
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = DefaultKillGrace
	}
	if spec.ParseMode == "" {
		spec.ParseMode = ParseText
	}

	r := &run{
		spec:         spec,
		runID:        NewRunID(),
		log:          logging.Component("supervisor"),
		lastActivity: time.Now(),
		exited:       make(chan struct{}),
	}
	defer r.closeLogs()

	if err := r.openLogs(); err != nil {
		// Durable logs are best-effort; the run proceeds without them.
		r.log.WarnCtx("run logs unavailable", map[string]any{"run_id": r.runID, "error": err.Error()})
	}

	r.emit(Event{Type: EventRunStarted, Data: spec.Command, Meta: map[string]any{"args": spec.Args}})

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	// Own process group: termination must reach pipeline children too,
	// or an orphaned grandchild holds the pipes open past the kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		r.emit(Event{Type: EventRunFailed, Data: err.Error()})
		return &RunResult{
			RunID:    r.runID,
			ExitInfo: ExitInfo{Code: -1, Err: err.Error()},
		}, fmt.Errorf("spawning %s: %w", spec.Command, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.mu.Unlock()

	r.emit(Event{Type: EventRunSpawned, Meta: map[string]any{"pid": cmd.Process.Pid}})
	r.log.InfoCtx("provider process started", map[string]any{"run_id": r.runID, "command": spec.Command, "pid": cmd.Process.Pid})

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		r.readStderr(stderr)
	}()

	watchDone := make(chan struct{})
	go r.watch(ctx, watchDone)

	readers.Wait()
	waitErr := cmd.Wait()
	close(r.exited)
	close(watchDone)

	exit := exitInfoFrom(cmd, waitErr)
	r.emit(Event{Type: EventRunCompleted, Meta: map[string]any{"code": exit.Code, "signal": exit.Signal}})

	r.mu.Lock()
	res := &RunResult{
		RunID:      r.runID,
		ExitInfo:   exit,
		Aborted:    r.aborted,
		TermReason: r.termReason,
	}
	r.mu.Unlock()
	return res, nil
}

// watch drives the 1s idle check and reacts to context cancellation.
func (r *run) watch(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			r.mu.Lock()
			r.aborted = true
			r.mu.Unlock()
			r.terminate("aborted by caller")
			return
		case <-ticker.C:
			r.mu.Lock()
			idle := time.Since(r.lastActivity)
			r.mu.Unlock()
			if idle > r.spec.IdleTimeout {
				r.terminate(fmt.Sprintf("idle timeout after %ds", int(idle.Seconds())))
				return
			}
		}
	}
}

// terminate initiates the graceful termination protocol exactly once:
// SIGTERM now, SIGKILL after the grace period if the process survives.
func (r *run) terminate(reason string) {
	r.mu.Lock()
	if r.terminated || r.cmd == nil || r.cmd.Process == nil {
		r.mu.Unlock()
		return
	}
	r.terminated = true
	r.termReason = reason
	proc := r.cmd.Process
	grace := r.spec.KillGrace
	r.mu.Unlock()

	r.emit(Event{Type: EventRunTerminating, Data: reason})
	r.log.WarnCtx("terminating provider process", map[string]any{"run_id": r.runID, "reason": reason})

	signalGroup(proc.Pid, syscall.SIGTERM)

	go func() {
		select {
		case <-r.exited:
		case <-time.After(grace):
			signalGroup(proc.Pid, syscall.SIGKILL)
		}
	}()
}

// signalGroup signals the child's process group, falling back to the
// single pid if the group is already gone.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func (r *run) readStdout(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		r.touch()
		r.writeTranscript("out", line)

		if r.spec.ParseMode == ParseNDJSON {
			for _, ev := range decodeNDJSONLine(line) {
				r.emit(ev)
			}
		} else {
			r.emit(Event{Type: EventAssistantText, Data: line})
		}
	}
	r.drainAfterScan(rd, "stdout", scanner.Err())
}

func (r *run) readStderr(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		r.touch()
		r.writeTranscript("err", line)
		r.emit(Event{Type: EventStderrLine, Data: line})
	}
	r.drainAfterScan(rd, "stderr", scanner.Err())
}

// drainAfterScan handles a scanner error (e.g. a line past maxLineBytes)
// by surfacing it as a run.error event and reading the pipe to EOF, so
// the child never wedges on a full pipe and the reader always finishes.
func (r *run) drainAfterScan(rd io.Reader, stream string, scanErr error) {
	if scanErr == nil {
		return
	}
	r.touch()
	r.writeTranscript(stream, fmt.Sprintf("(read error: %v)", scanErr))
	r.emit(Event{Type: EventRunError, Data: scanErr.Error(), Meta: map[string]any{"stream": stream}})
	_, _ = io.Copy(io.Discard, rd)
}

// decodeNDJSONLine turns one stdout line into events. Malformed JSON is
// preserved as a run.error event, never dropped.
func decodeNDJSONLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return []Event{{Type: EventRunError, Data: line, Meta: map[string]any{"error": "malformed ndjson"}}}
	}

	var typ string
	if rawType, ok := obj["type"]; ok {
		_ = json.Unmarshal(rawType, &typ)
	}

	var events []Event

	switch typ {
	case "assistant":
		if text := assistantText(obj); text != "" {
			events = append(events, Event{Type: EventAssistantText, Data: text})
		}
	case "result":
		if u, ok := usageFrom(obj); ok {
			events = append(events, Event{Type: EventRunUsage, Meta: map[string]any{"usage": u}})
		}
	}

	if len(events) == 0 {
		// Unrecognized but valid JSON: surface as a raw stdout line.
		events = append(events, Event{Type: EventStdoutLine, Data: line})
	}
	return events
}

// assistantText extracts text from either a flat {"text": ...} shape or
// a nested message content array.
func assistantText(obj map[string]json.RawMessage) string {
	if raw, ok := obj["text"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}

	raw, ok := obj["message"]
	if !ok {
		return ""
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(raw, &msg) != nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range msg.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func usageFrom(obj map[string]json.RawMessage) (Usage, bool) {
	var u Usage
	found := false

	if raw, ok := obj["usage"]; ok {
		var inner struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		}
		if json.Unmarshal(raw, &inner) == nil {
			u.InputTokens = inner.InputTokens
			u.OutputTokens = inner.OutputTokens
			found = true
		}
	}
	if raw, ok := obj["total_cost_usd"]; ok {
		if json.Unmarshal(raw, &u.CostUSD) == nil {
			found = true
		}
	}
	if raw, ok := obj["duration_ms"]; ok {
		if json.Unmarshal(raw, &u.DurationMS) == nil {
			found = true
		}
	}
	return u, found
}

// touch records output activity for the idle-timeout check.
func (r *run) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// emit delivers an event to the durable log, the caller's callback, and
// the ShouldTerminate predicate, in that order.
func (r *run) emit(ev Event) {
	ev.TS = time.Now()

	r.mu.Lock()
	if r.eventFile != nil {
		if data, err := json.Marshal(ev); err == nil {
			_, _ = r.eventFile.Write(append(data, '\n'))
		}
	}
	r.mu.Unlock()

	if r.spec.OnEvent != nil {
		r.spec.OnEvent(ev)
	}
	if r.spec.ShouldTerminate != nil && r.spec.ShouldTerminate(ev) {
		r.terminate("terminated by caller predicate")
	}
}

func (r *run) openLogs() error {
	if r.spec.LogDir == "" {
		return nil
	}
	dir := filepath.Join(r.spec.LogDir, r.runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating run log dir: %w", err)
	}

	events, err := os.OpenFile(filepath.Join(dir, "events.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	transcript, err := os.OpenFile(filepath.Join(dir, "transcript.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		_ = events.Close()
		return fmt.Errorf("opening transcript: %w", err)
	}

	r.mu.Lock()
	r.eventFile = events
	r.transcript = transcript
	r.mu.Unlock()
	return nil
}

func (r *run) writeTranscript(stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transcript != nil {
		fmt.Fprintf(r.transcript, "[%s] %s\n", stream, line)
	}
}

func (r *run) closeLogs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventFile != nil {
		_ = r.eventFile.Close()
		r.eventFile = nil
	}
	if r.transcript != nil {
		_ = r.transcript.Close()
		r.transcript = nil
	}
}

func exitInfoFrom(cmd *exec.Cmd, waitErr error) ExitInfo {
	info := ExitInfo{Code: -1}

	if state := cmd.ProcessState; state != nil {
		info.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		}
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			info.Err = waitErr.Error()
		}
	}
	return info
}
