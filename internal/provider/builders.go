package provider

import "github.com/crewline/crewline/internal/supervisor"

// PermissionModePlan instructs a provider to plan without editing files.
const PermissionModePlan = "plan"

// ClaudeBuilder invokes the Claude Code CLI in streaming NDJSON mode.
type ClaudeBuilder struct {
	BinaryPath string // default "claude"
}

// Name returns "claude".
func (b *ClaudeBuilder) Name() string { return "claude" }

// Build constructs the claude command line.
func (b *ClaudeBuilder) Build(req Request) Invocation {
	bin := b.BinaryPath
	if bin == "" {
		bin = "claude"
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.PermissionMode == PermissionModePlan {
		args = append(args, "--permission-mode", "plan")
	}

	return Invocation{
		Command:   bin,
		Args:      args,
		Stdin:     req.Prompt,
		ParseMode: supervisor.ParseNDJSON,
	}
}

// CodexBuilder invokes the Codex CLI in non-interactive exec mode.
type CodexBuilder struct {
	BinaryPath string // default "codex"
}

// Name returns "codex".
func (b *CodexBuilder) Name() string { return "codex" }

// Build constructs the codex command line.
func (b *CodexBuilder) Build(req Request) Invocation {
	bin := b.BinaryPath
	if bin == "" {
		bin = "codex"
	}

	args := []string{"exec", "--json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.PermissionMode == PermissionModePlan {
		args = append(args, "--sandbox", "read-only")
	}
	args = append(args, req.Prompt)

	return Invocation{
		Command:   bin,
		Args:      args,
		ParseMode: supervisor.ParseNDJSON,
	}
}

// GeminiBuilder invokes the Gemini CLI, which emits plain text.
type GeminiBuilder struct {
	BinaryPath string // default "gemini"
}

// Name returns "gemini".
func (b *GeminiBuilder) Name() string { return "gemini" }

// Build constructs the gemini command line.
func (b *GeminiBuilder) Build(req Request) Invocation {
	bin := b.BinaryPath
	if bin == "" {
		bin = "gemini"
	}

	args := []string{}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.PermissionMode != PermissionModePlan {
		args = append(args, "--yolo")
	}
	args = append(args, "-p", req.Prompt)

	return Invocation{
		Command:   bin,
		Args:      args,
		ParseMode: supervisor.ParseText,
	}
}
