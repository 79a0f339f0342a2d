// Package testrunner executes tester-proposed shell commands under a
// strict prefix allowlist. Commands that fail the list are recorded and
// classified, never silently dropped, and malicious-looking commands are
// flagged as such for audit.
package testrunner

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/crewline/crewline/internal/logging"
)

// DefaultAllowedPrefixes is the fallback allowlist.
var DefaultAllowedPrefixes = []string{
	"npm test",
	"npm run test",
	"node --test",
	"pnpm test",
	"yarn test",
}

const (
	// DefaultCommandTimeout bounds a single test command.
	DefaultCommandTimeout = 5 * time.Minute
	// DefaultKillGrace is the SIGTERM-to-SIGKILL delay on timeout.
	DefaultKillGrace = 5 * time.Second
)

// Blocked reasons. Only allowlist mismatches are retryable.
const (
	BlockedMalicious = "malicious_command"
	BlockedInjection = "command_injection_characters"
	BlockedAllowlist = "allowlist_mismatch"

	SeverityMalicious = "malicious"
	SeverityBenign    = "benign"
)

var (
	injectionPattern = regexp.MustCompile("[;|`]|&&|\\$\\(")

	maliciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`child_process`),
		regexp.MustCompile(`\brequire\s*\(`),
		regexp.MustCompile(`curl\s+[^|]*\|\s*(ba|z)?sh`),
		regexp.MustCompile(`wget\s+[^|]*\|\s*(ba|z)?sh`),
		regexp.MustCompile(`rm\s+-rf\s+/`),
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`>\s*/dev/sd`),
	}
)

// Result records one command attempt. Blocked commands never consume a
// subprocess: blocked implies not runnable implies not ok.
type Result struct {
	Command          string `json:"command"`
	OK               bool   `json:"ok"`
	Runnable         bool   `json:"runnable"`
	Blocked          bool   `json:"blocked"`
	BlockedReason    string `json:"blocked_reason,omitempty"`
	BlockedSeverity  string `json:"blocked_severity,omitempty"`
	RetryableBlocked bool   `json:"retryable_blocked,omitempty"`
	Code             int    `json:"code"`
	Stdout           string `json:"stdout,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
}

// Outcome is the result of running a command list.
type Outcome struct {
	AllPassed bool     `json:"all_passed"`
	Results   []Result `json:"results"`
}

// Options configures a run.
type Options struct {
	Allowed       []string      // allowlist prefixes; sanitized on use
	StopOnFailure bool          // halt at first runnable failure
	Timeout       time.Duration // per-command; default DefaultCommandTimeout
	KillGrace     time.Duration // SIGTERM-to-SIGKILL delay
	Dir           string
}

// DefaultOptions returns the standard run options.
func DefaultOptions() Options {
	return Options{
		StopOnFailure: true,
		Timeout:       DefaultCommandTimeout,
		KillGrace:     DefaultKillGrace,
	}
}

// SanitizeAllowlist drops entries containing shell metacharacters and
// falls back to the default set when nothing survives. Sanitizing an
// already-sanitized list is a no-op.
func SanitizeAllowlist(entries []string) []string {
	var out []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" || injectionPattern.MatchString(e) {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		out = append(out, DefaultAllowedPrefixes...)
	}
	return out
}

// Classify inspects a command independent of allowlist membership.
// Malicious patterns win over injection syntax so that, for example,
// a piped curl-to-shell reports as malicious rather than as a mere
// metacharacter violation.
func Classify(command string, allowed []string) (blocked bool, reason, severity string, retryable bool) {
	for _, p := range maliciousPatterns {
		if p.MatchString(command) {
			return true, BlockedMalicious, SeverityMalicious, false
		}
	}
	if injectionPattern.MatchString(command) {
		return true, BlockedInjection, SeverityBenign, false
	}
	if !matchesAllowlist(command, allowed) {
		return true, BlockedAllowlist, SeverityBenign, true
	}
	return false, "", "", false
}

func matchesAllowlist(command string, allowed []string) bool {
	command = strings.TrimSpace(command)
	for _, prefix := range allowed {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return false
}

// CommandRunner executes a shell command. Allows mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string, killGrace time.Duration) (stdout, stderr string, code int, err error)
}

// ShellRunner is the default CommandRunner using sh -c.
type ShellRunner struct{}

// Run executes the command in a subshell with SIGTERM-then-SIGKILL
// semantics on timeout or cancellation.
func (ShellRunner) Run(ctx context.Context, command, dir string, killGrace time.Duration) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return stdout.String(), stderr.String(), code, err
}

// Runner executes allowlisted command lists.
type Runner struct {
	exec CommandRunner
	log  *logging.Logger
}

// New creates a Runner with the default shell executor.
func New() *Runner {
	return &Runner{
		exec: ShellRunner{},
		log:  logging.Component("testrunner"),
	}
}

// NewWithExecutor creates a Runner with a custom executor (for tests).
func NewWithExecutor(exec CommandRunner) *Runner {
	return &Runner{
		exec: exec,
		log:  logging.Component("testrunner"),
	}
}

// Run executes commands in order. Blocked commands are recorded and
// skipped; with StopOnFailure, the first runnable failure halts the
// remaining list. Blocked commands never halt execution on their own.
func (r *Runner) Run(ctx context.Context, commands []string, opts Options) (*Outcome, error) {
	allowed := SanitizeAllowlist(opts.Allowed)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		// WaitDelay 0 would disable the forced kill entirely.
		killGrace = DefaultKillGrace
	}

	outcome := &Outcome{AllPassed: true}

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		blocked, reason, severity, retryable := Classify(command, allowed)
		if blocked {
			// Offending command preserved verbatim for audit.
			r.log.WarnCtx("test command blocked", map[string]any{
				"command":  command,
				"reason":   reason,
				"severity": severity,
			})
			outcome.Results = append(outcome.Results, Result{
				Command:          command,
				Blocked:          true,
				BlockedReason:    reason,
				BlockedSeverity:  severity,
				RetryableBlocked: retryable,
				Code:             -1,
			})
			outcome.AllPassed = false
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, timeout)
		stdout, stderr, code, err := r.exec.Run(cmdCtx, command, opts.Dir, killGrace)
		cancel()

		res := Result{
			Command:  command,
			Runnable: true,
			OK:       err == nil && code == 0,
			Code:     code,
			Stdout:   stdout,
			Stderr:   stderr,
		}
		if err != nil && res.Stderr == "" {
			res.Stderr = err.Error()
		}
		outcome.Results = append(outcome.Results, res)

		if !res.OK {
			outcome.AllPassed = false
			r.log.InfoCtx("test command failed", map[string]any{"command": command, "code": code})
			if opts.StopOnFailure {
				break
			}
		}
	}

	return outcome, nil
}

// FirstFailing returns the first runnable command that failed, if any.
func (o *Outcome) FirstFailing() *Result {
	for i := range o.Results {
		if o.Results[i].Runnable && !o.Results[i].OK {
			return &o.Results[i]
		}
	}
	return nil
}

// AllBlockedRetryable reports whether every result is a retryable block
// (no runnable commands and no malicious blocks), the precondition for
// the resilient tester retry.
func (o *Outcome) AllBlockedRetryable() bool {
	if len(o.Results) == 0 {
		return false
	}
	for _, res := range o.Results {
		if !res.Blocked || !res.RetryableBlocked {
			return false
		}
	}
	return true
}

// HasMaliciousBlock reports whether any command was flagged malicious.
func (o *Outcome) HasMaliciousBlock() bool {
	for _, res := range o.Results {
		if res.BlockedSeverity == SeverityMalicious {
			return true
		}
	}
	return false
}
