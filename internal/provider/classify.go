package provider

import (
	"errors"
	"io/fs"
	"regexp"
	"strings"

	"github.com/crewline/crewline/internal/supervisor"
)

// Error classes surfaced to the workflow. The set is closed; consumers
// switch on these strings.
const (
	ClassPermissionDenied = "provider_permission_denied"
	ClassNotFound         = "provider_not_found"
	ClassAuthError        = "provider_auth_error"
	ClassTimeout          = "provider_timeout"
	ClassNetworkError     = "provider_network_error"
	ClassRuntimeError     = "provider_runtime_error"
	ClassUnsupported      = "provider_unsupported"
	ClassCanceled         = "canceled"
)

var (
	// permissionDenialPattern matches the tool reporting it may not
	// write; three hits trigger early termination.
	permissionDenialPattern = regexp.MustCompile(`(?i)(permission denied|requested permissions|does not have (write )?access|not allowed to (write|edit)|needs? your permission)`)

	authPattern    = regexp.MustCompile(`(?i)(\b401\b|\b403\b|unauthorized|forbidden|invalid api key|authentication failed|not logged in)`)
	networkPattern = regexp.MustCompile(`(?i)(connection (refused|reset)|econnreset|econnrefused|etimedout|enotfound|dns|network error|socket hang ?up|tls handshake)`)
)

// classify maps a finished run to an error class. First match wins; an
// empty string means success.
func classify(result *supervisor.RunResult, runErr error, output string, denials int) string {
	if denials >= permissionDenialLimit {
		return ClassPermissionDenied
	}

	if runErr != nil {
		if errors.Is(runErr, fs.ErrNotExist) || strings.Contains(runErr.Error(), "executable file not found") {
			return ClassNotFound
		}
		return ClassRuntimeError
	}

	if authPattern.MatchString(output) {
		return ClassAuthError
	}

	if result != nil && strings.HasPrefix(result.TermReason, "idle timeout") {
		return ClassTimeout
	}

	if networkPattern.MatchString(output) {
		return ClassNetworkError
	}

	if result != nil && result.ExitInfo.Code != 0 {
		return ClassRuntimeError
	}

	return ""
}
