package procmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/observability/notify"
)

// CancelSentinel is the file written into a job's workdir before the kill so
// a cooperative renderer can stop cleanly. The kill is never conditioned on it.
const CancelSentinel = "CANCEL"

// DefaultKillRetryDelay is the pause before the second kill attempt.
const DefaultKillRetryDelay = 2 * time.Second

// ErrNotSupervised is returned for operations against jobs with no handle.
var ErrNotSupervised = errors.New("job has no supervised process")

// ErrAlreadySupervised is returned when a job already has a live handle.
var ErrAlreadySupervised = errors.New("job already has a supervised process")

// Options groups dependencies for Manager.
type Options struct {
	Logger         *slog.Logger  // Optional: structured logger
	Notifier       notify.Sink   // Optional: operator alert fan-out
	DefaultTimeout time.Duration // Optional: runtime ceiling when SpawnRequest.Timeout is zero
	KillRetryDelay time.Duration // Optional: delay before the kill retry
	TailSize       int           // Optional: lines of output tail kept per stream
}

// Manager supervises renderer processes for the local instance.
//
// The registry is deliberately instance-owned, in-memory state: a restart
// forgets every handle, and the reaper resolves the jobs left behind. Each
// process runs in its own process group so a kill reliably takes down any
// helpers the renderer forked.
type Manager struct {
	logger         *slog.Logger
	notifier       notify.Sink
	defaultTimeout time.Duration
	killRetryDelay time.Duration
	tailSize       int

	mu    sync.Mutex
	procs map[string]*handle
}

var _ core.ProcessController = (*Manager)(nil)

type handle struct {
	cmd     *exec.Cmd
	workDir string
	timer   *time.Timer

	mu         sync.Mutex
	timedOut   bool
	killFailed bool
}

// New constructs a Manager.
func New(opts Options) *Manager {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	retryDelay := opts.KillRetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultKillRetryDelay
	}
	tailSize := opts.TailSize
	if tailSize <= 0 {
		tailSize = 20
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "procmanager")
	}

	return &Manager{
		logger:         logger,
		notifier:       opts.Notifier,
		defaultTimeout: timeout,
		killRetryDelay: retryDelay,
		tailSize:       tailSize,
		procs:          make(map[string]*handle),
	}
}

// Spawn launches the renderer for a job and begins supervising it.
func (m *Manager) Spawn(ctx context.Context, req core.SpawnRequest) error {
	if req.JobID == "" {
		return errors.New("job id is required")
	}
	if len(req.Args) == 0 {
		return errors.New("renderer args are required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	cmd := exec.Command(req.Args[0], req.Args[1:]...) // #nosec G204 - args come from service config, not request input
	cmd.Dir = req.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	h := &handle{cmd: cmd, workDir: req.WorkDir}

	m.mu.Lock()
	if _, exists := m.procs[req.JobID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("job %s: %w", req.JobID, ErrAlreadySupervised)
	}
	m.procs[req.JobID] = h
	m.mu.Unlock()

	if err := cmd.Start(); err != nil {
		m.unregister(req.JobID)
		return fmt.Errorf("start renderer: %w", err)
	}

	if m.logger != nil {
		m.logger.InfoContext(ctx, "renderer spawned",
			"job_id", req.JobID,
			"pid", cmd.Process.Pid,
			"timeout", timeout,
		)
	}

	stdoutTail := newTailBuffer(m.tailSize)
	stderrTail := newTailBuffer(m.tailSize)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		consumeStream(req.JobID, stdout, stdoutTail, req.OnLog, req.OnProgress)
	}()
	go func() {
		defer streams.Done()
		consumeStream(req.JobID, stderr, stderrTail, req.OnLog, nil)
	}()

	h.timer = time.AfterFunc(timeout, func() {
		h.mu.Lock()
		h.timedOut = true
		h.mu.Unlock()
		if m.logger != nil {
			m.logger.Warn("renderer timed out, killing", "job_id", req.JobID, "timeout", timeout)
		}
		m.killHandle(req.JobID, h)
	})

	// Single exit reporter. The timeout path above only flags and kills; the
	// wait here is the one place an ExitReport is produced.
	go func() {
		streams.Wait()
		waitErr := cmd.Wait()
		h.timer.Stop()
		m.unregister(req.JobID)

		h.mu.Lock()
		timedOut := h.timedOut
		killFailed := h.killFailed
		h.mu.Unlock()

		report := core.ExitReport{
			JobID:      req.JobID,
			ExitCode:   exitCode(cmd, waitErr),
			TimedOut:   timedOut,
			KillFailed: killFailed,
			StdoutTail: stdoutTail.Lines(),
			StderrTail: stderrTail.Lines(),
			Err:        waitErr,
		}
		if m.logger != nil {
			m.logger.Info("renderer exited",
				"job_id", req.JobID,
				"exit_code", report.ExitCode,
				"timed_out", report.TimedOut,
			)
		}
		if req.OnExit != nil {
			req.OnExit(report)
		}
	}()

	return nil
}

// Cancel writes the cancellation sentinel and then force-kills the tree.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	h, ok := m.procs[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotSupervised)
	}

	sentinel := filepath.Join(h.workDir, CancelSentinel)
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil && m.logger != nil {
		// The sentinel is a courtesy to cooperative renderers; the kill below
		// is what actually stops the job.
		m.logger.Warn("write cancel sentinel failed", "job_id", jobID, "error", err)
	}

	m.killHandle(jobID, h)
	return nil
}

// Kill force-terminates the job's process tree.
func (m *Manager) Kill(jobID string) error {
	m.mu.Lock()
	h, ok := m.procs[jobID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotSupervised)
	}
	m.killHandle(jobID, h)
	return nil
}

// Supervised reports whether the job currently has a registered handle.
func (m *Manager) Supervised(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[jobID]
	return ok
}

// killHandle SIGKILLs the process group, retries once, and escalates to an
// operator alert when the tree refuses to die. The job still goes terminal;
// the alert is about leaked processes, not job state.
func (m *Manager) killHandle(jobID string, h *handle) {
	if h.cmd.Process == nil {
		return
	}
	pgid := h.cmd.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if m.logger != nil {
			m.logger.Warn("kill process group failed, retrying", "job_id", jobID, "pgid", pgid, "error", err)
		}
		time.Sleep(m.killRetryDelay)
		if retryErr := syscall.Kill(-pgid, syscall.SIGKILL); retryErr != nil && !errors.Is(retryErr, syscall.ESRCH) {
			h.mu.Lock()
			h.killFailed = true
			h.mu.Unlock()
			m.alertKillFailure(jobID, pgid, retryErr)
		}
	}
}

func (m *Manager) alertKillFailure(jobID string, pgid int, err error) {
	if m.logger != nil {
		m.logger.Error("renderer process tree survived kill retry", "job_id", jobID, "pgid", pgid, "error", err)
	}
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alert := notify.OperatorAlert{
		Kind:       notify.KindKillFailed,
		JobID:      jobID,
		Severity:   notify.SeverityCritical,
		Message:    fmt.Sprintf("renderer process group %d survived two SIGKILL attempts: %v", pgid, err),
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]string{"pgid": fmt.Sprintf("%d", pgid)},
	}
	if sendErr := m.notifier.SendOperatorAlert(ctx, alert); sendErr != nil && m.logger != nil {
		m.logger.Error("operator alert delivery failed", "job_id", jobID, "error", sendErr)
	}
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	delete(m.procs, jobID)
	m.mu.Unlock()
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
