// Package jobs runs addressable background child processes (OAuth
// logins, generic CLI invocations) with bounded ring-buffered logs and
// URL extraction for device-flow surfacing.
package jobs

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/modelgate/internal/cliexec"
	"github.com/danshapiro/modelgate/internal/llm"
)

// Status is the lifecycle state of one job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

const (
	// DefaultMaxLogLines caps the per-job log ring.
	DefaultMaxLogLines = 300

	// DefaultMaxJobsPerKind caps retained records per kind (FIFO).
	DefaultMaxJobsPerKind = 50

	// DefaultMaxAge drops terminal jobs older than this on cleanup.
	DefaultMaxAge = 24 * time.Hour
)

var urlRe = regexp.MustCompile(`(?i)https?://[^\s]+`)

type job struct {
	mu sync.Mutex

	id         string
	kind       string
	executable string
	args       []string
	pid        int

	status     Status
	startedAt  time.Time
	finishedAt time.Time
	exitCode   *int

	logs    []string
	urls    []string
	urlSeen map[string]bool

	maxLogLines int
}

// Snapshot is a defensive copy of one job's state.
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Executable string     `json:"executable"`
	Args       []string   `json:"args,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Alive      bool       `json:"alive"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	URLs       []string   `json:"urls,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
}

// Options configures a Manager.
type Options struct {
	MaxLogLines    int
	MaxJobsPerKind int
	MaxAge         time.Duration

	// AllowPatterns gates generic CLI jobs: the resolved executable's
	// basename must match one doublestar pattern. Empty means no
	// generic jobs are allowed.
	AllowPatterns []string

	Logger *log.Logger
}

// Manager starts, indexes, and inspects background jobs. Each job's
// record is written only by its supervising goroutine; readers always
// take snapshots.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*job

	opts   Options
	logger *log.Logger
}

func NewManager(opts Options) *Manager {
	if opts.MaxLogLines <= 0 {
		opts.MaxLogLines = DefaultMaxLogLines
	}
	if opts.MaxJobsPerKind <= 0 {
		opts.MaxJobsPerKind = DefaultMaxJobsPerKind
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[modelgate-jobs] ", log.LstdFlags)
	}
	return &Manager{jobs: map[string]*job{}, opts: opts, logger: logger}
}

// StartCommand resolves spec with vars, spawns the child, and returns
// immediately with a running snapshot. Output is streamed into the
// job's log ring line by line.
func (m *Manager) StartCommand(kind string, spec cliexec.CommandSpec, vars map[string]string) (Snapshot, error) {
	resolved := spec.Resolve(vars)
	return m.start(kind, resolved)
}

// StartAllowedCommand is StartCommand with the executable allow-list
// check applied before spawn.
func (m *Manager) StartAllowedCommand(kind string, spec cliexec.CommandSpec, vars map[string]string) (Snapshot, error) {
	resolved := spec.Resolve(vars)
	base := filepath.Base(resolved.Executable)
	if !m.executableAllowed(base) {
		return Snapshot{}, fmt.Errorf("executable %q is not on the allow list", base)
	}
	return m.start(kind, resolved)
}

func (m *Manager) executableAllowed(basename string) bool {
	for _, pattern := range m.opts.AllowPatterns {
		if ok, err := doublestar.Match(pattern, basename); err == nil && ok {
			return true
		}
	}
	return false
}

func (m *Manager) start(kind string, resolved cliexec.CommandSpec) (Snapshot, error) {
	cmd := cliexec.Command(resolved)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Snapshot{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Snapshot{}, err
	}
	cmd.Stdin = strings.NewReader("")

	if err := cmd.Start(); err != nil {
		return Snapshot{}, &llm.SpawnError{Executable: resolved.Executable, Err: err}
	}

	j := &job{
		id:          ulid.Make().String(),
		kind:        kind,
		executable:  resolved.Executable,
		args:        append([]string{}, resolved.Args...),
		pid:         cmd.Process.Pid,
		status:      StatusRunning,
		startedAt:   time.Now().UTC(),
		urlSeen:     map[string]bool{},
		maxLogLines: m.opts.MaxLogLines,
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()
	m.cleanup(kind)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		j.stream("stdout", stdout)
	}()
	go func() {
		defer readers.Done()
		j.stream("stderr", stderr)
	}()

	go m.supervise(j, cmd, &readers, time.Duration(resolved.TimeoutMS)*time.Millisecond)

	m.logger.Printf("job %s started (kind=%s exe=%s pid=%d)", j.id, kind, resolved.Executable, j.pid)
	return j.snapshot(), nil
}

// supervise waits for the child, enforcing the per-job timeout with
// SIGTERM then SIGKILL, and records the terminal status.
func (m *Manager) supervise(j *job, cmd *exec.Cmd, readers *sync.WaitGroup, timeout time.Duration) {
	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timedOut := false
	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timerCh:
		timedOut = true
		j.appendLine("[system] command timed out")
		_ = cliexec.KillGroup(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-waitCh:
		case <-time.After(cliexec.KillGrace):
			_ = cliexec.KillGroup(cmd, syscall.SIGKILL)
			waitErr = <-waitCh
		}
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	j.mu.Lock()
	j.finishedAt = time.Now().UTC()
	j.exitCode = &exitCode
	switch {
	case timedOut:
		j.status = StatusTimedOut
	case exitCode == 0 && waitErr == nil:
		j.status = StatusCompleted
	default:
		j.status = StatusFailed
	}
	status := j.status
	j.mu.Unlock()

	m.logger.Printf("job %s finished (status=%s exit=%d)", j.id, status, exitCode)
}

// stream pushes newline-delimited output into the log ring with a
// source tag and harvests URLs from every line.
func (j *job) stream(source string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		j.appendLine(fmt.Sprintf("[%s] %s", source, scanner.Text()))
	}
}

func (j *job) appendLine(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, line)
	if len(j.logs) > j.maxLogLines {
		j.logs = j.logs[len(j.logs)-j.maxLogLines:]
	}
	for _, url := range urlRe.FindAllString(line, -1) {
		if j.urlSeen[url] {
			continue
		}
		j.urlSeen[url] = true
		j.urls = append(j.urls, url)
	}
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:         j.id,
		Kind:       j.kind,
		Executable: j.executable,
		Args:       append([]string{}, j.args...),
		PID:        j.pid,
		Status:     j.status,
		StartedAt:  j.startedAt,
		URLs:       append([]string{}, j.urls...),
		Logs:       append([]string{}, j.logs...),
	}
	if j.status == StatusRunning {
		snap.Alive = PIDAlive(j.pid)
	}
	if !j.finishedAt.IsZero() {
		ts := j.finishedAt
		snap.FinishedAt = &ts
	}
	if j.exitCode != nil {
		code := *j.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// GetJob returns a snapshot of one job.
func (m *Manager) GetJob(id string) (Snapshot, bool) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// ListJobs returns up to limit snapshots, newest first. limit <= 0
// means all.
func (m *Manager) ListJobs(limit int) []Snapshot {
	m.mu.Lock()
	all := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, j := range all {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// cleanup enforces the per-kind FIFO cap and the terminal-job age
// limit. Running jobs are never evicted.
func (m *Manager) cleanup(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-m.opts.MaxAge)
	ofKind := []*job{}
	for id, j := range m.jobs {
		j.mu.Lock()
		terminal := j.status != StatusRunning
		old := terminal && !j.finishedAt.IsZero() && j.finishedAt.Before(cutoff)
		jobKind := j.kind
		j.mu.Unlock()
		if old {
			delete(m.jobs, id)
			continue
		}
		if jobKind == kind {
			ofKind = append(ofKind, j)
		}
	}
	if len(ofKind) <= m.opts.MaxJobsPerKind {
		return
	}
	sort.Slice(ofKind, func(i, k int) bool { return ofKind[i].startedAt.Before(ofKind[k].startedAt) })
	for _, j := range ofKind[:len(ofKind)-m.opts.MaxJobsPerKind] {
		j.mu.Lock()
		terminal := j.status != StatusRunning
		j.mu.Unlock()
		if terminal {
			delete(m.jobs, j.id)
		}
	}
}
