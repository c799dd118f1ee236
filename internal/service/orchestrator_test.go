package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/domain/model"
	apperrors "github.com/mixdown/renderd/internal/errors"
	"github.com/mixdown/renderd/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testJobID = "job-1"

// stubProcessController records launch and kill requests without running
// anything.
type stubProcessController struct {
	mu         sync.Mutex
	spawned    chan core.SpawnRequest
	spawnErr   error
	cancelled  []string
	killed     []string
	supervised map[string]bool
}

func newStubProcessController() *stubProcessController {
	return &stubProcessController{
		spawned:    make(chan core.SpawnRequest, 4),
		supervised: map[string]bool{},
	}
}

func (s *stubProcessController) Spawn(_ context.Context, req core.SpawnRequest) error {
	s.mu.Lock()
	err := s.spawnErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.spawned <- req
	return nil
}

func (s *stubProcessController) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func (s *stubProcessController) Kill(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, jobID)
	return nil
}

func (s *stubProcessController) Supervised(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supervised[jobID]
}

func (s *stubProcessController) waitForSpawn(t *testing.T) core.SpawnRequest {
	t.Helper()
	select {
	case req := <-s.spawned:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("renderer spawn never happened")
		return core.SpawnRequest{}
	}
}

// stubLogSink collects appended lines in memory.
type stubLogSink struct {
	mu      sync.Mutex
	lines   map[string][]string
	flushed []string
}

func newStubLogSink() *stubLogSink {
	return &stubLogSink{lines: map[string][]string{}}
}

func (s *stubLogSink) Append(jobID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[jobID] = append(s.lines[jobID], line)
}

func (s *stubLogSink) FlushJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = append(s.flushed, jobID)
	return nil
}

type orchestratorFixture struct {
	svc       *OrchestratorService
	jobs      *mocks.MockJobRepository
	ledger    *mocks.MockLedgerRepository
	progress  *mocks.MockProgressCache
	processes *stubProcessController
	logs      *stubLogSink
	workRoot  string
}

func newOrchestratorFixture(t *testing.T, ctrl *gomock.Controller) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		jobs:      mocks.NewMockJobRepository(ctrl),
		ledger:    mocks.NewMockLedgerRepository(ctrl),
		progress:  mocks.NewMockProgressCache(ctrl),
		processes: newStubProcessController(),
		logs:      newStubLogSink(),
		workRoot:  t.TempDir(),
	}

	svc, err := NewOrchestratorService(OrchestratorOptions{
		Jobs:      f.jobs,
		Ledger:    MustNewLedgerService(LedgerServiceOptions{Repo: f.ledger}),
		Processes: f.processes,
		Logs:      f.logs,
		Renderer: RendererConfig{
			Binary:   "/usr/local/bin/renderer",
			BaseArgs: []string{"--headless"},
			WorkRoot: f.workRoot,
			Timeout:  time.Hour,
		},
		Progress: f.progress,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// expectPostSpawnCheck arms the status re-check launch performs after a
// successful spawn. The returned channel closes once the check ran.
func (f *orchestratorFixture) expectPostSpawnCheck(status model.JobStatus) chan struct{} {
	done := make(chan struct{})
	f.jobs.EXPECT().
		GetByID(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, jobID string) (*model.Job, error) {
			defer close(done)
			return &model.Job{ID: jobID, OwnerID: testOwnerID, Status: status}, nil
		}).
		Times(1)
	return done
}

func waitForSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("post-spawn status check never happened")
	}
}

func jobFromCreateRequest(req *model.CreateJobRequest) *model.Job {
	return &model.Job{
		ID:           req.ID,
		OwnerID:      req.OwnerID,
		Status:       model.JobStatusPending,
		Cost:         req.Cost,
		SourceLayout: req.SourceLayout,
		Spec:         req.Spec,
		WorkDir:      req.WorkDir,
	}
}

func TestNewOrchestratorService_RequiredDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jobs := mocks.NewMockJobRepository(ctrl)
	ledger := MustNewLedgerService(LedgerServiceOptions{Repo: mocks.NewMockLedgerRepository(ctrl)})
	processes := newStubProcessController()
	logs := newStubLogSink()
	renderer := RendererConfig{Binary: "/bin/renderer", WorkRoot: "/tmp/work"}

	tests := []struct {
		name    string
		opts    OrchestratorOptions
		wantErr string
	}{
		{
			name:    "missing job repository",
			opts:    OrchestratorOptions{Ledger: ledger, Processes: processes, Logs: logs, Renderer: renderer},
			wantErr: "JobRepository is required",
		},
		{
			name:    "missing ledger",
			opts:    OrchestratorOptions{Jobs: jobs, Processes: processes, Logs: logs, Renderer: renderer},
			wantErr: "LedgerService is required",
		},
		{
			name:    "missing process controller",
			opts:    OrchestratorOptions{Jobs: jobs, Ledger: ledger, Logs: logs, Renderer: renderer},
			wantErr: "ProcessController is required",
		},
		{
			name:    "missing log sink",
			opts:    OrchestratorOptions{Jobs: jobs, Ledger: ledger, Processes: processes, Renderer: renderer},
			wantErr: "LogSink is required",
		},
		{
			name: "missing renderer binary",
			opts: OrchestratorOptions{
				Jobs: jobs, Ledger: ledger, Processes: processes, Logs: logs,
				Renderer: RendererConfig{WorkRoot: "/tmp/work"},
			},
			wantErr: "renderer binary is required",
		},
		{
			name: "missing work root",
			opts: OrchestratorOptions{
				Jobs: jobs, Ledger: ledger, Processes: processes, Logs: logs,
				Renderer: RendererConfig{Binary: "/bin/renderer"},
			},
			wantErr: "renderer work root is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewOrchestratorService(tt.opts)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOrchestratorService_DefaultTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	svc, err := NewOrchestratorService(OrchestratorOptions{
		Jobs:      mocks.NewMockJobRepository(ctrl),
		Ledger:    MustNewLedgerService(LedgerServiceOptions{Repo: mocks.NewMockLedgerRepository(ctrl)}),
		Processes: newStubProcessController(),
		Logs:      newStubLogSink(),
		Renderer:  RendererConfig{Binary: "/bin/renderer", WorkRoot: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, svc.renderer.Timeout)
}

func TestOrchestratorService_CreateJob_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	spec := json.RawMessage(`{"format": "mp4"}`)

	f.ledger.EXPECT().
		TryDebit(gomock.Any(), testOwnerID, 10, gomock.Any()).
		Return(&model.LedgerEntry{BalanceAfter: 90}, 100, nil).
		Times(1)
	f.jobs.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
			assert.NotEmpty(t, req.ID)
			assert.Equal(t, testOwnerID, req.OwnerID)
			assert.Equal(t, model.LayoutUpload, req.SourceLayout)
			assert.Equal(t, filepath.Join(f.workRoot, req.ID), req.WorkDir)
			return jobFromCreateRequest(req), nil
		}).
		Times(1)
	f.jobs.EXPECT().
		MarkProcessing(gomock.Any(), gomock.Any()).
		Return(true, nil).
		Times(1)
	checked := f.expectPostSpawnCheck(model.JobStatusProcessing)

	job, err := f.svc.CreateJob(ctx, CreateJobParams{
		OwnerID:      testOwnerID,
		Cost:         10,
		SourceLayout: "upload",
		Spec:         spec,
	})

	require.NoError(t, err)
	require.NotNil(t, job)

	req := f.processes.waitForSpawn(t)
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, job.WorkDir, req.WorkDir)
	assert.Equal(t, time.Hour, req.Timeout)
	require.NotEmpty(t, req.Args)
	assert.Equal(t, "/usr/local/bin/renderer", req.Args[0], "argv[0] must be the renderer binary")
	assert.Equal(t, []string{"--headless", "--layout", "upload", "--workdir", job.WorkDir}, req.Args[1:])

	waitForSignal(t, checked)
	assert.Empty(t, f.processes.killed)

	written, readErr := os.ReadFile(filepath.Join(job.WorkDir, RendererSpecFile))
	require.NoError(t, readErr)
	assert.JSONEq(t, string(spec), string(written))

	info, statErr := os.Stat(filepath.Join(job.WorkDir, "output"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestOrchestratorService_CreateJob_LayoutRejectedBeforeDebit(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No ledger or repository expectations: an unrecognized layout must cost
	// nothing and touch nothing.
	f := newOrchestratorFixture(t, ctrl)

	job, err := f.svc.CreateJob(context.Background(), CreateJobParams{
		OwnerID:      testOwnerID,
		Cost:         10,
		SourceLayout: "zipfile",
		Spec:         json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, apperrors.IsLayoutUnrecognized(err))
}

func TestOrchestratorService_CreateJob_AdmissionDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)

	f.ledger.EXPECT().
		TryDebit(gomock.Any(), testOwnerID, 50, gomock.Any()).
		Return(nil, 5, model.ErrInsufficientCredit).
		Times(1)

	job, err := f.svc.CreateJob(context.Background(), CreateJobParams{
		OwnerID:      testOwnerID,
		Cost:         50,
		SourceLayout: "upload",
		Spec:         json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, apperrors.IsAdmissionDenied(err))
}

func TestOrchestratorService_CreateJob_PersistFailureRefunds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	repoErr := errors.New("insert failed")

	var debitedJobID string
	f.ledger.EXPECT().
		TryDebit(gomock.Any(), testOwnerID, 10, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ int, relatedJobID *string) (*model.LedgerEntry, int, error) {
			require.NotNil(t, relatedJobID)
			debitedJobID = *relatedJobID
			return &model.LedgerEntry{BalanceAfter: 90}, 100, nil
		}).
		Times(1)
	f.jobs.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		Return(nil, repoErr).
		Times(1)
	f.ledger.EXPECT().
		RefundExists(gomock.Any(), gomock.Any()).
		Return(false, nil).
		Times(1)
	f.ledger.EXPECT().
		Credit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreditRequest) (*model.LedgerEntry, error) {
			assert.Equal(t, model.LedgerReasonRefund, req.Reason)
			assert.Equal(t, 10, req.Amount)
			require.NotNil(t, req.RelatedJobID)
			assert.Equal(t, debitedJobID, *req.RelatedJobID)
			return &model.LedgerEntry{BalanceAfter: 100}, nil
		}).
		Times(1)

	job, err := f.svc.CreateJob(context.Background(), CreateJobParams{
		OwnerID:      testOwnerID,
		Cost:         10,
		SourceLayout: "upload",
		Spec:         json.RawMessage(`{}`),
	})

	require.Error(t, err)
	assert.Nil(t, job)
}

func TestOrchestratorService_GetJob(t *testing.T) {
	t.Run("progress overlay wins while processing", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		stored := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Progress: 40, Step: "mixdown"}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(stored, nil).Times(1)
		f.progress.EXPECT().
			GetProgress(ctx, testJobID).
			Return(&model.ProgressSnapshot{Progress: 65, Step: "encode"}, nil).
			Times(1)

		job, err := f.svc.GetJob(ctx, testOwnerID, testJobID)

		require.NoError(t, err)
		assert.Equal(t, 65, job.Progress)
		assert.Equal(t, "encode", job.Step)
	})

	t.Run("stale snapshot never lowers progress", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		stored := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Progress: 40, Step: "mixdown"}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(stored, nil).Times(1)
		f.progress.EXPECT().
			GetProgress(ctx, testJobID).
			Return(&model.ProgressSnapshot{Progress: 30, Step: "stems"}, nil).
			Times(1)

		job, err := f.svc.GetJob(ctx, testOwnerID, testJobID)

		require.NoError(t, err)
		assert.Equal(t, 40, job.Progress)
		assert.Equal(t, "mixdown", job.Step)
	})

	t.Run("terminal job skips the cache", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		stored := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusCompleted, Progress: 100}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(stored, nil).Times(1)

		job, err := f.svc.GetJob(ctx, testOwnerID, testJobID)

		require.NoError(t, err)
		assert.Equal(t, 100, job.Progress)
	})

	t.Run("foreign owner is forbidden", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		stored := &model.Job{ID: testJobID, OwnerID: "someone-else", Status: model.JobStatusProcessing}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(stored, nil).Times(1)

		job, err := f.svc.GetJob(ctx, testOwnerID, testJobID)

		require.Error(t, err)
		assert.Nil(t, job)
		assert.True(t, apperrors.IsForbidden(err))
	})
}

func TestOrchestratorService_CancelJob_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	processing := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10}
	cancelled := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusCancelled, Cost: 10}

	gomock.InOrder(
		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(processing, nil),
		f.jobs.EXPECT().
			ResolveTerminal(ctx, gomock.Any()).
			DoAndReturn(func(_ context.Context, params model.ResolveTerminalParams) (bool, error) {
				assert.Equal(t, model.JobStatusCancelled, params.Status)
				assert.Equal(t, "cancelled by owner", params.ErrMsg)
				return true, nil
			}),
		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(cancelled, nil),
	)
	f.progress.EXPECT().Delete(ctx, testJobID).Return(nil).Times(1)
	f.ledger.EXPECT().RefundExists(ctx, testJobID).Return(false, nil).Times(1)
	f.ledger.EXPECT().
		Credit(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreditRequest) (*model.LedgerEntry, error) {
			assert.Equal(t, model.LedgerReasonRefund, req.Reason)
			assert.Equal(t, 10, req.Amount)
			return &model.LedgerEntry{BalanceAfter: 100}, nil
		}).
		Times(1)

	job, err := f.svc.CancelJob(ctx, testOwnerID, testJobID)

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
	assert.Equal(t, []string{testJobID}, f.processes.cancelled)
}

func TestOrchestratorService_CancelJob_AlreadyTerminal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	done := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusCompleted}

	f.jobs.EXPECT().GetByID(ctx, testJobID).Return(done, nil).Times(1)

	job, err := f.svc.CancelJob(ctx, testOwnerID, testJobID)

	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, apperrors.IsAlreadyTerminal(err))
	assert.Empty(t, f.processes.cancelled)
}

func TestOrchestratorService_CancelJob_LostResolutionRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	processing := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10}

	f.jobs.EXPECT().GetByID(ctx, testJobID).Return(processing, nil).Times(1)
	// The guarded update loses: the exit path resolved first. No refund, no
	// kill, the caller just learns the job is terminal.
	f.jobs.EXPECT().ResolveTerminal(ctx, gomock.Any()).Return(false, nil).Times(1)

	job, err := f.svc.CancelJob(ctx, testOwnerID, testJobID)

	require.Error(t, err)
	assert.Nil(t, job)
	assert.True(t, apperrors.IsAlreadyTerminal(err))
	assert.Empty(t, f.processes.cancelled)
}

func TestOrchestratorService_RestartJob(t *testing.T) {
	t.Run("copies reusable inputs into the fresh workdir", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()

		originalDir := filepath.Join(f.workRoot, "original")
		require.NoError(t, os.MkdirAll(filepath.Join(originalDir, "inputs"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(originalDir, "inputs", "vocals.wav"), []byte("payload"), 0o644))

		original := &model.Job{
			ID:           testJobID,
			OwnerID:      testOwnerID,
			Status:       model.JobStatusFailed,
			Cost:         10,
			SourceLayout: model.LayoutUpload,
			Spec:         json.RawMessage(`{"format": "mp4"}`),
			WorkDir:      originalDir,
		}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(original, nil).Times(1)
		f.ledger.EXPECT().
			TryDebit(gomock.Any(), testOwnerID, 10, gomock.Any()).
			Return(&model.LedgerEntry{BalanceAfter: 90}, 100, nil).
			Times(1)
		f.jobs.EXPECT().
			Create(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.NotEqual(t, testJobID, req.ID)
				assert.Equal(t, original.Spec, req.Spec)
				return jobFromCreateRequest(req), nil
			}).
			Times(1)
		f.jobs.EXPECT().MarkProcessing(gomock.Any(), gomock.Any()).Return(true, nil).Times(1)
		checked := f.expectPostSpawnCheck(model.JobStatusProcessing)

		fresh, err := f.svc.RestartJob(ctx, testOwnerID, testJobID)

		require.NoError(t, err)
		require.NotNil(t, fresh)
		f.processes.waitForSpawn(t)
		waitForSignal(t, checked)

		copied, readErr := os.ReadFile(filepath.Join(fresh.WorkDir, "inputs", "vocals.wav"))
		require.NoError(t, readErr)
		assert.Equal(t, "payload", string(copied))
	})

	t.Run("rejects a job that is still running", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		running := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(running, nil).Times(1)

		fresh, err := f.svc.RestartJob(ctx, testOwnerID, testJobID)

		require.Error(t, err)
		assert.Nil(t, fresh)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("rejects an unmapped source layout", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		odd := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusFailed, SourceLayout: model.SourceLayout("tarball")}

		f.jobs.EXPECT().GetByID(ctx, testJobID).Return(odd, nil).Times(1)

		fresh, err := f.svc.RestartJob(ctx, testOwnerID, testJobID)

		require.Error(t, err)
		assert.Nil(t, fresh)
		assert.True(t, apperrors.IsLayoutUnrecognized(err))
	})
}

func TestOrchestratorService_Launch_KillsRendererWhenCancelWinsMidSpawn(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	job := &model.Job{
		ID:           testJobID,
		OwnerID:      testOwnerID,
		Status:       model.JobStatusPending,
		Cost:         10,
		SourceLayout: model.LayoutUpload,
		WorkDir:      t.TempDir(),
	}

	f.jobs.EXPECT().MarkProcessing(gomock.Any(), testJobID).Return(true, nil).Times(1)
	// The owner's cancel won the terminal resolve while the spawn was in
	// flight, before any handle existed for Cancel to kill. The re-check
	// must reap the renderer.
	f.jobs.EXPECT().
		GetByID(gomock.Any(), testJobID).
		Return(&model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusCancelled, Cost: 10}, nil).
		Times(1)

	f.svc.launch(ctx, job)

	f.processes.waitForSpawn(t)
	assert.Equal(t, []string{testJobID}, f.processes.killed)
}

func TestOrchestratorService_FailOrphan(t *testing.T) {
	t.Run("fails and refunds an unsupervised processing job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		ctx := context.Background()
		orphan := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10}

		f.jobs.EXPECT().
			ResolveTerminal(ctx, gomock.Any()).
			DoAndReturn(func(_ context.Context, params model.ResolveTerminalParams) (bool, error) {
				assert.Equal(t, model.JobStatusFailed, params.Status)
				assert.Contains(t, params.ErrMsg, "orphaned")
				return true, nil
			}).
			Times(1)
		f.progress.EXPECT().Delete(ctx, testJobID).Return(nil).Times(1)
		f.ledger.EXPECT().RefundExists(ctx, testJobID).Return(false, nil).Times(1)
		f.ledger.EXPECT().
			Credit(ctx, gomock.Any()).
			Return(&model.LedgerEntry{BalanceAfter: 100}, nil).
			Times(1)

		won, err := f.svc.FailOrphan(ctx, orphan)

		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("leaves a supervised job alone", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		f.processes.supervised[testJobID] = true
		supervised := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing}

		won, err := f.svc.FailOrphan(context.Background(), supervised)

		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("ignores non-processing jobs", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		f := newOrchestratorFixture(t, ctrl)
		pending := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusPending}

		won, err := f.svc.FailOrphan(context.Background(), pending)

		require.NoError(t, err)
		assert.False(t, won)
	})
}

func TestOrchestratorService_ExitResolution(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)

	t.Run("timeout fails with the runtime limit", func(t *testing.T) {
		job := &model.Job{ID: testJobID, WorkDir: t.TempDir()}
		params := f.svc.exitResolution(job, core.ExitReport{JobID: testJobID, TimedOut: true, ExitCode: -1})

		assert.Equal(t, model.JobStatusFailed, params.Status)
		assert.Contains(t, params.ErrMsg, "runtime limit")
	})

	t.Run("wait failure without an exit status fails", func(t *testing.T) {
		job := &model.Job{ID: testJobID, WorkDir: t.TempDir()}
		params := f.svc.exitResolution(job, core.ExitReport{
			JobID:    testJobID,
			ExitCode: -1,
			Err:      errors.New("waitid: no child processes"),
		})

		assert.Equal(t, model.JobStatusFailed, params.Status)
		assert.Contains(t, params.ErrMsg, "renderer wait")
		assert.Contains(t, params.ErrMsg, "no child processes")
	})

	t.Run("nonzero exit carries the stderr tail", func(t *testing.T) {
		job := &model.Job{ID: testJobID, WorkDir: t.TempDir()}
		params := f.svc.exitResolution(job, core.ExitReport{
			JobID:      testJobID,
			ExitCode:   2,
			StderrTail: []string{"codec init failed", "fatal: no encoder"},
		})

		assert.Equal(t, model.JobStatusFailed, params.Status)
		assert.Contains(t, params.ErrMsg, "renderer exited 2")
		assert.Contains(t, params.ErrMsg, "fatal: no encoder")
	})

	t.Run("zero exit without an artifact fails", func(t *testing.T) {
		job := &model.Job{ID: testJobID, WorkDir: t.TempDir()}
		params := f.svc.exitResolution(job, core.ExitReport{JobID: testJobID, ExitCode: 0})

		assert.Equal(t, model.JobStatusFailed, params.Status)
		assert.Contains(t, params.ErrMsg, "no render output artifact")
	})

	t.Run("zero exit with artifacts completes", func(t *testing.T) {
		workDir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(workDir, "output"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(workDir, "output", "render_output.mp4"), []byte("video"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(workDir, "output", "thumbnail.png"), []byte("png"), 0o644))

		job := &model.Job{ID: testJobID, WorkDir: workDir}
		params := f.svc.exitResolution(job, core.ExitReport{JobID: testJobID, ExitCode: 0})

		assert.Equal(t, model.JobStatusCompleted, params.Status)
		require.NotNil(t, params.ResultPath)
		assert.Equal(t, filepath.Join(workDir, "output", "render_output.mp4"), *params.ResultPath)
		require.NotNil(t, params.ThumbnailPath)
		assert.Equal(t, filepath.Join(workDir, "output", "thumbnail.png"), *params.ThumbnailPath)
	})
}

func TestOrchestratorService_ResolveTerminal_CompletedNeverRefunds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)
	ctx := context.Background()
	job := &model.Job{ID: testJobID, OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10}
	resultPath := "/work/job-1/output/render_output.mp4"

	// No Credit expectation: a successful render keeps its debit.
	f.jobs.EXPECT().ResolveTerminal(ctx, gomock.Any()).Return(true, nil).Times(1)
	f.progress.EXPECT().Delete(ctx, testJobID).Return(nil).Times(1)

	won, err := f.svc.resolveTerminal(ctx, job, model.ResolveTerminalParams{
		JobID:      testJobID,
		Status:     model.JobStatusCompleted,
		ResultPath: &resultPath,
	})

	require.NoError(t, err)
	assert.True(t, won)
}
