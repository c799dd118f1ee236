package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/data"
	"github.com/mixdown/renderd/internal/domain/model"
	apperrors "github.com/mixdown/renderd/internal/errors"
	"github.com/mixdown/renderd/internal/observability/metrics"
	"github.com/mixdown/renderd/internal/observability/statsd"
)

// RendererSpecFile is the job description file the renderer reads from its workdir.
const RendererSpecFile = "render_spec.json"

// rendererOutputGlob matches the primary render artifact regardless of container.
const rendererOutputGlob = "output/render_output.*"

// rendererThumbnail is the optional preview artifact.
const rendererThumbnail = "output/thumbnail.png"

// DefaultRenderTimeout is the hard ceiling on renderer runtime.
const DefaultRenderTimeout = 2 * time.Hour

// reusableInputDirs lists, per source layout, which workdir subdirectories
// carry inputs that a restart can copy instead of re-uploading.
var reusableInputDirs = map[model.SourceLayout][]string{
	model.LayoutUpload: {"inputs"},
	model.LayoutRender: {"inputs", "stems"},
	model.LayoutMerge:  {"inputs", "segments"},
}

// RendererConfig describes how renderer processes are launched.
type RendererConfig struct {
	Binary   string
	BaseArgs []string
	WorkRoot string
	Timeout  time.Duration
}

// OrchestratorOptions groups dependencies for OrchestratorService.
type OrchestratorOptions struct {
	Jobs         core.JobRepository     // Required: job repository
	Ledger       *LedgerService         // Required: credit ledger
	Processes    core.ProcessController // Required: renderer process controller
	Logs         core.LogSink           // Required: log aggregator
	Renderer     RendererConfig         // Required: renderer launch config
	Progress     core.ProgressCache     // Optional: hot progress overlay
	Logger       *slog.Logger           // Optional: structured logger
	Metrics      statsd.Sink            // Optional: metric sink
	TimeProvider data.TimeProvider      // Optional: clock override for tests
}

// OrchestratorService drives the render job state machine:
// pending → processing → completed | failed | cancelled.
//
// Every terminal transition funnels through resolveTerminal, whose guarded
// update admits exactly one winner per job; the winner alone decides whether
// a refund is owed. Concurrent cancel/complete/timeout races therefore never
// double-resolve or double-refund.
type OrchestratorService struct {
	jobs      core.JobRepository
	ledger    *LedgerService
	processes core.ProcessController
	logs      core.LogSink
	renderer  RendererConfig
	progress  core.ProgressCache
	logger    *slog.Logger
	metrics   statsd.Sink
	clock     data.TimeProvider
}

// NewOrchestratorService constructs a new OrchestratorService.
func NewOrchestratorService(opts OrchestratorOptions) (*OrchestratorService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("LedgerService is required")
	}
	if opts.Processes == nil {
		return nil, errors.New("ProcessController is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("LogSink is required")
	}
	if strings.TrimSpace(opts.Renderer.Binary) == "" {
		return nil, errors.New("renderer binary is required")
	}
	if strings.TrimSpace(opts.Renderer.WorkRoot) == "" {
		return nil, errors.New("renderer work root is required")
	}

	renderer := opts.Renderer
	if renderer.Timeout <= 0 {
		renderer.Timeout = DefaultRenderTimeout
	}

	clock := opts.TimeProvider
	if clock == nil {
		clock = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "orchestrator")
	}

	return &OrchestratorService{
		jobs:      opts.Jobs,
		ledger:    opts.Ledger,
		processes: opts.Processes,
		logs:      opts.Logs,
		renderer:  renderer,
		progress:  opts.Progress,
		logger:    logger,
		metrics:   opts.Metrics,
		clock:     clock,
	}, nil
}

// MustNewOrchestratorService constructs a new OrchestratorService and panics on error.
func MustNewOrchestratorService(opts OrchestratorOptions) *OrchestratorService {
	svc, err := NewOrchestratorService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create OrchestratorService: %v", err))
	}
	return svc
}

// CreateJobParams describes one job submission.
type CreateJobParams struct {
	OwnerID      string
	Cost         int
	SourceLayout string
	Spec         json.RawMessage
}

// CreateJob admits, persists, and launches a new render job.
//
// The layout is validated before any debit so an unrecognized layout costs
// nothing. The debit precedes the insert; if persisting or preparing the job
// fails after a successful debit, the refund is issued synchronously before
// the error returns.
func (s *OrchestratorService) CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error) {
	return s.createJob(ctx, params, nil)
}

// createJob runs the admission pipeline. seedInputs, when set, runs after the
// workdir exists and before the renderer launches.
func (s *OrchestratorService) createJob(ctx context.Context, params CreateJobParams, seedInputs func(*model.Job) error) (*model.Job, error) {
	var layout model.SourceLayout
	if err := layout.UnmarshalText([]byte(params.SourceLayout)); err != nil {
		return nil, apperrors.LayoutUnrecognized(fmt.Sprintf("unrecognized source layout %q", params.SourceLayout))
	}

	jobID := uuid.NewString()
	workDir := filepath.Join(s.renderer.WorkRoot, jobID)

	if _, err := s.ledger.Admit(ctx, params.OwnerID, params.Cost, &jobID); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		ID:           jobID,
		OwnerID:      params.OwnerID,
		Cost:         params.Cost,
		SourceLayout: layout,
		Spec:         params.Spec,
		WorkDir:      workDir,
	})
	if err != nil {
		s.refundAfterAdmission(ctx, params.OwnerID, params.Cost, jobID)
		return nil, apperrors.MapDBError(err)
	}

	if err := s.prepareWorkDir(job); err != nil {
		s.failAndRefund(ctx, job, fmt.Sprintf("prepare workdir: %v", err))
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "prepare workdir")
	}
	if seedInputs != nil {
		if err := seedInputs(job); err != nil {
			s.failAndRefund(ctx, job, fmt.Sprintf("seed workdir inputs: %v", err))
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "seed workdir inputs")
		}
	}

	go s.launch(context.WithoutCancel(ctx), job)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job created",
			"job_id", job.ID,
			"owner_id", job.OwnerID,
			"layout", job.SourceLayout,
			"cost", job.Cost,
		)
	}
	return job, nil
}

// GetJob returns the job with the hot progress overlay applied while it is
// processing. Callers other than the owner get Forbidden.
func (s *OrchestratorService) GetJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.getOwnedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == model.JobStatusProcessing && s.progress != nil {
		snap, cacheErr := s.progress.GetProgress(ctx, jobID)
		if cacheErr != nil {
			if s.logger != nil {
				s.logger.DebugContext(ctx, "progress cache read failed", "job_id", jobID, "error", cacheErr)
			}
		} else if snap != nil && snap.Progress > job.Progress {
			job.Progress = snap.Progress
			job.Step = snap.Step
		}
	}
	return job, nil
}

// JobLogs returns the job's accumulated renderer output, flushing any
// buffered lines first.
func (s *OrchestratorService) JobLogs(ctx context.Context, ownerID, jobID string) ([]model.JobLogLine, error) {
	if _, err := s.getOwnedJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	if err := s.logs.FlushJob(ctx, jobID); err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "log flush before read failed", "job_id", jobID, "error", err)
	}
	lines, err := s.jobs.ListLogs(ctx, jobID)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return lines, nil
}

// CancelJob cancels a pending or processing job owned by ownerID. The caller
// sees AlreadyTerminal when the job already resolved; the internal race with
// a concurrent completion settles silently on a single winner.
func (s *OrchestratorService) CancelJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.getOwnedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperrors.AlreadyTerminal(fmt.Sprintf("job %s is already %s", jobID, job.Status))
	}

	won, err := s.resolveTerminal(ctx, job, model.ResolveTerminalParams{
		JobID:  jobID,
		Status: model.JobStatusCancelled,
		ErrMsg: "cancelled by owner",
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperrors.AlreadyTerminal(fmt.Sprintf("job %s resolved concurrently", jobID))
	}

	// Sentinel plus kill. The job is already terminal in the database, so the
	// eventual exit report loses the resolution race and is a no-op.
	if cancelErr := s.processes.Cancel(jobID); cancelErr != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "process cancel", "job_id", jobID, "error", cancelErr)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID, "owner_id", ownerID)
	}
	return s.jobs.GetByID(ctx, jobID)
}

// RestartJob creates a fresh job from a terminal one, reusing the original's
// inputs. The original record is never mutated; the restart is a full fresh
// admission with its own debit and ID.
func (s *OrchestratorService) RestartJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	original, err := s.getOwnedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if !original.Status.Terminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("job %s is still %s", jobID, original.Status))
	}
	if _, ok := reusableInputDirs[original.SourceLayout]; !ok {
		return nil, apperrors.LayoutUnrecognized(fmt.Sprintf("job %s has unrecognized source layout %q", jobID, original.SourceLayout))
	}

	job, err := s.createJob(ctx, CreateJobParams{
		OwnerID:      original.OwnerID,
		Cost:         original.Cost,
		SourceLayout: string(original.SourceLayout),
		Spec:         original.Spec,
	}, func(fresh *model.Job) error {
		return s.copyReusableInputs(original, fresh)
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job restarted",
			"original_job_id", original.ID,
			"job_id", job.ID,
			"owner_id", ownerID,
		)
	}
	return job, nil
}

// Stats returns current job state counts.
func (s *OrchestratorService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return stats, nil
}

// FailOrphan resolves a processing job that has no supervised process, such
// as after an orchestrator restart. The winner refunds as usual.
func (s *OrchestratorService) FailOrphan(ctx context.Context, job *model.Job) (bool, error) {
	if job == nil {
		return false, errors.New("job is required")
	}
	if job.Status != model.JobStatusProcessing || s.processes.Supervised(job.ID) {
		return false, nil
	}
	return s.resolveTerminal(ctx, job, model.ResolveTerminalParams{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
		ErrMsg: "orphaned: no supervised renderer process",
	})
}

// Supervised reports whether the job currently has a live renderer process.
func (s *OrchestratorService) Supervised(jobID string) bool {
	return s.processes.Supervised(jobID)
}

// launch transitions the job to processing and spawns the renderer. Runs on
// its own goroutine; all failures funnel through the resolve path.
func (s *OrchestratorService) launch(ctx context.Context, job *model.Job) {
	started, err := s.jobs.MarkProcessing(ctx, job.ID)
	if err != nil {
		s.failAndRefund(ctx, job, fmt.Sprintf("mark processing: %v", err))
		return
	}
	if !started {
		// Resolved (cancelled) before launch; nothing to spawn.
		return
	}

	err = s.processes.Spawn(ctx, core.SpawnRequest{
		JobID:   job.ID,
		WorkDir: job.WorkDir,
		Args:    s.rendererArgs(job),
		Timeout: s.renderer.Timeout,
		OnProgress: func(jobID string, progress int, step string) {
			s.recordProgress(jobID, progress, step)
		},
		OnLog: func(jobID, line string) {
			s.logs.Append(jobID, line)
		},
		OnExit: func(report core.ExitReport) {
			s.handleExit(context.WithoutCancel(ctx), report)
		},
	})
	if err != nil {
		s.failAndRefund(ctx, job, fmt.Sprintf("spawn renderer: %v", err))
		return
	}

	// A cancel that won the resolve while the spawn was in flight found no
	// handle to kill yet. Re-check and reap the renderer if the job went
	// terminal underneath the spawn.
	current, err := s.jobs.GetByID(ctx, job.ID)
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "post-spawn status check failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if current.Status.Terminal() {
		if killErr := s.processes.Kill(job.ID); killErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "post-spawn kill", "job_id", job.ID, "error", killErr)
		}
	}
}

// handleExit is the single exit path for supervised renderer processes. It
// races fairly against CancelJob and the reaper; whoever wins the guarded
// resolve owns the refund decision.
func (s *OrchestratorService) handleExit(ctx context.Context, report core.ExitReport) {
	job, err := s.jobs.GetByID(ctx, report.JobID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "exit for unknown job", "job_id", report.JobID, "error", err)
		}
		return
	}

	if flushErr := s.logs.FlushJob(ctx, report.JobID); flushErr != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "log flush on exit failed", "job_id", report.JobID, "error", flushErr)
	}

	params := s.exitResolution(job, report)
	won, err := s.resolveTerminal(ctx, job, params)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "resolve on exit failed", "job_id", report.JobID, "error", err)
		}
		return
	}
	if !won {
		return
	}

	var duration time.Duration
	if job.StartedAt != nil {
		duration = s.clock.Now().Sub(*job.StartedAt)
	}
	result := metrics.ResultSuccess
	if params.Status != model.JobStatusCompleted {
		result = metrics.ResultError
	}
	metrics.EmitJobResolution(s.metrics, metrics.JobMetric{
		Status:   string(params.Status),
		Layout:   string(job.SourceLayout),
		Result:   result,
		Duration: duration,
		Err:      report.Err,
	})

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resolved on exit",
			"job_id", job.ID,
			"status", params.Status,
			"exit_code", report.ExitCode,
			"timed_out", report.TimedOut,
		)
	}
}

// exitResolution maps an exit report onto a terminal transition.
func (s *OrchestratorService) exitResolution(job *model.Job, report core.ExitReport) model.ResolveTerminalParams {
	params := model.ResolveTerminalParams{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
	}

	switch {
	case report.TimedOut:
		params.ErrMsg = fmt.Sprintf("renderer exceeded %s runtime limit", s.renderer.Timeout)
	case report.ExitCode < 0:
		// No real exit status: the wait itself failed or the process died
		// to a signal.
		params.ErrMsg = fmt.Sprintf("renderer wait: %v", report.Err)
	case report.ExitCode != 0:
		params.ErrMsg = fmt.Sprintf("renderer exited %d: %s", report.ExitCode, tailSummary(report.StderrTail, report.StdoutTail))
	default:
		resultPath, thumbPath, outErr := s.findOutputs(job.WorkDir)
		if outErr != nil {
			params.ErrMsg = fmt.Sprintf("renderer exited 0 but %v", outErr)
			break
		}
		params.Status = model.JobStatusCompleted
		params.ResultPath = &resultPath
		params.ThumbnailPath = thumbPath
	}
	return params
}

// resolveTerminal is the single funnel for terminal transitions. On a win
// against a non-completed status it refunds the job's cost; the progress
// cache entry is dropped either way.
func (s *OrchestratorService) resolveTerminal(ctx context.Context, job *model.Job, params model.ResolveTerminalParams) (bool, error) {
	won, err := s.jobs.ResolveTerminal(ctx, params)
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	if !won {
		return false, nil
	}

	if s.progress != nil {
		if cacheErr := s.progress.Delete(ctx, job.ID); cacheErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "progress cache delete failed", "job_id", job.ID, "error", cacheErr)
		}
	}

	if params.Status != model.JobStatusCompleted {
		resolved := *job
		resolved.Status = params.Status
		if _, refundErr := s.ledger.Refund(ctx, &resolved); refundErr != nil && s.logger != nil {
			// The job is terminal either way; a missed refund is recoverable
			// from the ledger audit trail.
			s.logger.ErrorContext(ctx, "refund failed",
				"job_id", job.ID,
				"owner_id", job.OwnerID,
				"amount", job.Cost,
				"error", refundErr,
			)
		}
	}
	return true, nil
}

func (s *OrchestratorService) recordProgress(jobID string, progress int, step string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.jobs.UpdateProgress(ctx, jobID, progress, step); err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "progress update failed", "job_id", jobID, "error", err)
	}
	if s.progress != nil {
		snap := model.ProgressSnapshot{Progress: progress, Step: step, UpdatedAt: s.clock.Now().UTC()}
		if err := s.progress.SetProgress(ctx, jobID, snap); err != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "progress cache write failed", "job_id", jobID, "error", err)
		}
	}
}

func (s *OrchestratorService) getOwnedJob(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, apperrors.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.Forbidden(fmt.Sprintf("job %s does not belong to caller", jobID))
	}
	return job, nil
}

// refundAfterAdmission compensates a debit for a job that never got a record.
func (s *OrchestratorService) refundAfterAdmission(ctx context.Context, ownerID string, cost int, jobID string) {
	_, err := s.ledger.Refund(ctx, &model.Job{ID: jobID, OwnerID: ownerID, Cost: cost, Status: model.JobStatusFailed})
	if err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "refund after failed create", "job_id", jobID, "owner_id", ownerID, "error", err)
	}
}

// failAndRefund forces the job terminal through the usual funnel.
func (s *OrchestratorService) failAndRefund(ctx context.Context, job *model.Job, errMsg string) {
	if _, err := s.resolveTerminal(ctx, job, model.ResolveTerminalParams{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
		ErrMsg: errMsg,
	}); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "force-fail failed", "job_id", job.ID, "error", err)
	}
}

func (s *OrchestratorService) prepareWorkDir(job *model.Job) error {
	if err := os.MkdirAll(filepath.Join(job.WorkDir, "output"), 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	specPath := filepath.Join(job.WorkDir, RendererSpecFile)
	if err := os.WriteFile(specPath, job.Spec, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", RendererSpecFile, err)
	}
	return nil
}

// rendererArgs builds the argv handed to the process manager, which execs
// args[0] directly.
func (s *OrchestratorService) rendererArgs(job *model.Job) []string {
	args := make([]string, 0, len(s.renderer.BaseArgs)+5)
	args = append(args, s.renderer.Binary)
	args = append(args, s.renderer.BaseArgs...)
	args = append(args, "--layout", string(job.SourceLayout), "--workdir", job.WorkDir)
	return args
}

// findOutputs locates the renderer's artifacts after a zero exit.
func (s *OrchestratorService) findOutputs(workDir string) (string, *string, error) {
	matches, err := filepath.Glob(filepath.Join(workDir, rendererOutputGlob))
	if err != nil {
		return "", nil, fmt.Errorf("scan output dir: %w", err)
	}
	if len(matches) == 0 {
		return "", nil, errors.New("no render output artifact found")
	}

	var thumb *string
	thumbPath := filepath.Join(workDir, rendererThumbnail)
	if _, statErr := os.Stat(thumbPath); statErr == nil {
		thumb = &thumbPath
	}
	return matches[0], thumb, nil
}

// copyReusableInputs copies the layout's input directories from the original
// workdir into the fresh one.
func (s *OrchestratorService) copyReusableInputs(original, fresh *model.Job) error {
	for _, dir := range reusableInputDirs[original.SourceLayout] {
		src := filepath.Join(original.WorkDir, dir)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyDir(src, filepath.Join(fresh.WorkDir, dir)); err != nil {
			return err
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func tailSummary(primary, fallback []string) string {
	lines := primary
	if len(lines) == 0 {
		lines = fallback
	}
	if len(lines) == 0 {
		return "no output"
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
