package llm

import (
	"fmt"
	"strings"
)

// The gateway emits a closed set of error kinds. Message text matters:
// the health classifier routes failures by substring, so each error type
// renders a stable, recognizable prefix.

// InvalidModelError reports a model id that is not registered anywhere.
type InvalidModelError struct {
	Model string
}

func (e *InvalidModelError) Error() string {
	return "unknown model: " + e.Model
}

// ConfigurationError reports a construction-time or routing-time
// configuration problem (duplicate ids, dangling fallbacks, providers
// rejecting their own models).
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return strings.TrimSpace(e.Message)
}

// TimeoutError reports a child process killed for exceeding its
// configured timeout.
type TimeoutError struct {
	Provider  string
	Model     string
	TimeoutMS int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s model %s timed out after %dms", e.Provider, e.Model, e.TimeoutMS)
}

// ProviderExitError reports a child process that exited non-zero. Stderr
// and stdout are truncated for transport in error messages.
type ProviderExitError struct {
	Provider string
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *ProviderExitError) Error() string {
	return fmt.Sprintf("provider command failed (provider=%s exit=%d): %s", e.Provider, e.ExitCode, combineOutput(e.Stderr, e.Stdout))
}

// ParseError reports stdout that could not satisfy the declared output
// contract (json_contract with empty or garbage output). It deliberately
// carries the "provider command" marker so the classifier counts it as a
// provider exit.
type ParseError struct {
	Provider string
	Detail   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("provider command produced unparsable output (provider=%s): %s", e.Provider, e.Detail)
}

// SpawnError reports that the OS refused to start the child process.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

const errOutputLimit = 2000

func combineOutput(stderr string, stdout string) string {
	parts := []string{}
	if s := strings.TrimSpace(stderr); s != "" {
		parts = append(parts, "stderr: "+Truncate(s, errOutputLimit))
	}
	if s := strings.TrimSpace(stdout); s != "" {
		parts = append(parts, "stdout: "+Truncate(s, errOutputLimit))
	}
	if len(parts) == 0 {
		return "no output"
	}
	return strings.Join(parts, " | ")
}

// Truncate caps s at n bytes, appending an ellipsis marker when cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
