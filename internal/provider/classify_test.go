package provider

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/crewline/crewline/internal/supervisor"
)

func TestClassify(t *testing.T) {
	okResult := &supervisor.RunResult{ExitInfo: supervisor.ExitInfo{Code: 0}}
	failResult := &supervisor.RunResult{ExitInfo: supervisor.ExitInfo{Code: 1}}
	timeoutResult := &supervisor.RunResult{TermReason: "idle timeout after 10m0s"}

	tests := []struct {
		name    string
		result  *supervisor.RunResult
		runErr  error
		output  string
		denials int
		want    string
	}{
		{"clean run", okResult, nil, "all good", 0, ""},
		{"denials trump everything", failResult, errors.New("x"), "401 unauthorized", 3, ClassPermissionDenied},
		{"binary missing", nil, fs.ErrNotExist, "", 0, ClassNotFound},
		{"not found message", nil, errors.New(`exec: "claude": executable file not found in $PATH`), "", 0, ClassNotFound},
		{"other spawn error", nil, errors.New("fork failed"), "", 0, ClassRuntimeError},
		{"auth 401", okResult, nil, "HTTP 401 unauthorized", 0, ClassAuthError},
		{"auth invalid key", okResult, nil, "Invalid API key provided", 0, ClassAuthError},
		{"auth beats timeout", timeoutResult, nil, "authentication failed", 0, ClassAuthError},
		{"idle timeout", timeoutResult, nil, "", 0, ClassTimeout},
		{"network", okResult, nil, "connect ECONNREFUSED 1.2.3.4:443", 0, ClassNetworkError},
		{"timeout beats network", timeoutResult, nil, "socket hang up", 0, ClassTimeout},
		{"nonzero exit", failResult, nil, "boom", 0, ClassRuntimeError},
		{"network beats exit code", failResult, nil, "TLS handshake timeout", 0, ClassNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.result, tt.runErr, tt.output, tt.denials); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
