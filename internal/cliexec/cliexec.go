// Package cliexec spawns templated provider commands without a shell and
// captures their output with timeout enforcement.
package cliexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/modelgate/internal/llm"
	"github.com/danshapiro/modelgate/internal/template"
)

// DefaultTimeoutMS applies when a CommandSpec does not set its own.
const DefaultTimeoutMS = 180_000

// KillGrace is the gap between SIGTERM and SIGKILL on timeout.
const KillGrace = 2 * time.Second

// CommandSpec describes one external command. All string fields may
// contain {{name}} template placeholders until resolved.
type CommandSpec struct {
	Executable string            `json:"executable" yaml:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	TimeoutMS  int               `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Resolve substitutes template variables into every string field and
// applies the default timeout.
func (s CommandSpec) Resolve(vars map[string]string) CommandSpec {
	opts := template.Options{}
	out := CommandSpec{
		Executable: template.ApplyWithOptions(s.Executable, vars, opts),
		Args:       template.ApplyAll(s.Args, vars, opts),
		Env:        template.ApplyMap(s.Env, vars, opts),
		Cwd:        template.ApplyWithOptions(s.Cwd, vars, opts),
		TimeoutMS:  s.TimeoutMS,
	}
	if out.TimeoutMS <= 0 {
		out.TimeoutMS = DefaultTimeoutMS
	}
	return out
}

// Outcome is the structured result of one child run. A non-zero exit
// code is not an error at this layer.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	TimedOut bool
	Duration time.Duration
}

// Command builds an exec.Cmd for a resolved spec: argv passed verbatim,
// parent environment overlaid by the spec's env, own process group so
// kill escalation reaches grandchildren. Used directly by the job
// manager for non-blocking spawns.
func Command(spec CommandSpec) *exec.Cmd {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = MergeEnv(os.Environ(), spec.Env)
	if strings.TrimSpace(spec.Cwd) != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Run executes a resolved spec to completion. stdin is written and
// closed before the child is waited on; pass "" for no payload. The
// returned error is non-nil only when the process could not be started.
func Run(ctx context.Context, spec CommandSpec, stdin string) (Outcome, error) {
	cmd := Command(spec)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: -1}, &llm.SpawnError{Executable: spec.Executable, Err: err}
	}

	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	waitErr, timedOut := waitWithTimeout(ctx, cmd, timeout)

	out := Outcome{
		Stdout:   lossyUTF8(stdout.Bytes()),
		Stderr:   lossyUTF8(stderr.Bytes()),
		ExitCode: -1,
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	if state := cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signal = ws.Signal().String()
		}
	}
	_ = waitErr // exit status is reported through the outcome
	return out, nil
}

// waitWithTimeout waits for cmd, escalating SIGTERM then SIGKILL against
// the process group when the timeout fires. Caller cancellation is
// deliberately not propagated: the child runs to completion or to its
// own timeout (the gateway contract).
func waitWithTimeout(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (waitErr error, timedOut bool) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if timeout <= 0 {
		return <-waitCh, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err, false
	case <-timer.C:
	}

	_ = KillGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err, true
	case <-time.After(KillGrace):
	}
	_ = KillGroup(cmd, syscall.SIGKILL)
	return <-waitCh, true
}

// KillGroup signals the child's process group. ESRCH (already gone) is
// not an error.
func KillGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// MergeEnv overlays overrides onto base ("K=V" entries). Override keys
// win on collision; new keys are appended in sorted order so the result
// is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	used := map[string]bool{}
	for _, entry := range base {
		key := entry
		if i := strings.IndexByte(entry, '='); i >= 0 {
			key = entry[:i]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			used[key] = true
			continue
		}
		out = append(out, entry)
	}
	remaining := make([]string, 0, len(overrides))
	for k := range overrides {
		if used[k] {
			continue
		}
		remaining = append(remaining, k)
	}
	sort.Strings(remaining)
	for _, k := range remaining {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func lossyUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
