package core

import (
	"context"
	"time"
)

// ProcessController owns the relationship between a job and its external
// renderer process. The registry behind it is process-local and in-memory:
// it does not survive a restart of the orchestrating process. Jobs left
// unsupervised by a restart are resolved by the reaper.
type ProcessController interface {
	// Spawn launches the renderer for a job and begins supervising it. The
	// callbacks in the request fire from the supervisor goroutine, not the
	// caller's.
	Spawn(ctx context.Context, req SpawnRequest) error
	// Cancel writes the cancellation sentinel into the job's workdir and then
	// force-kills the process tree. The sentinel is advisory; the kill is
	// authoritative and is never skipped.
	Cancel(jobID string) error
	// Kill force-terminates the job's entire process tree.
	Kill(jobID string) error
	// Supervised reports whether the job currently has a registered handle.
	Supervised(jobID string) bool
}

// SpawnRequest describes one renderer launch.
type SpawnRequest struct {
	JobID   string
	WorkDir string
	Args    []string
	// Timeout is the hard runtime ceiling enforced from spawn time. Zero means
	// the manager default.
	Timeout time.Duration

	// OnProgress receives approximate progress derived from renderer output.
	OnProgress func(jobID string, progress int, step string)
	// OnLog receives each complete output line in stream order.
	OnLog func(jobID string, line string)
	// OnExit fires exactly once after the process exits and the handle is
	// unregistered.
	OnExit func(report ExitReport)
}

// ExitReport is the one-shot exit notification for a supervised process.
type ExitReport struct {
	JobID      string
	ExitCode   int
	TimedOut   bool
	KillFailed bool
	StdoutTail []string
	StderrTail []string
	Err        error
}

// LogSink receives renderer output lines for asynchronous persistence in
// stream order.
type LogSink interface {
	Append(jobID, line string)
	// FlushJob forces any buffered lines for the job to persist now.
	FlushJob(ctx context.Context, jobID string) error
}
