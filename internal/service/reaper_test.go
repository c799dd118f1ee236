package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mixdown/renderd/config"
	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:        time.Minute,
		OrphanGrace:     2 * time.Minute,
		CompletedMaxAge: 30 * 24 * time.Hour,
		BatchSize:       500,
	}
}

func newReaperFixture(t *testing.T, ctrl *gomock.Controller, cfg config.ReaperConfig) (*ReaperService, *orchestratorFixture) {
	t.Helper()

	f := newOrchestratorFixture(t, ctrl)
	reaper, err := NewReaperService(ReaperServiceOptions{
		Jobs:         f.jobs,
		Orchestrator: f.svc,
		Config:       cfg,
	})
	require.NoError(t, err)
	return reaper, f
}

func TestNewReaperService_RequiredDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	f := newOrchestratorFixture(t, ctrl)

	t.Run("missing job repository", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{Orchestrator: f.svc})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "JobRepository is required")
	})

	t.Run("missing orchestrator", func(t *testing.T) {
		svc, err := NewReaperService(ReaperServiceOptions{Jobs: f.jobs})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "OrchestratorService is required")
	})

	t.Run("must panics", func(t *testing.T) {
		assert.Panics(t, func() {
			MustNewReaperService(ReaperServiceOptions{})
		})
	})
}

func TestReaperService_RunOnce_FailsOrphans(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testReaperConfig()
	cfg.CompletedMaxAge = 0 // retention off for this test
	reaper, f := newReaperFixture(t, ctrl, cfg)

	ctx := context.Background()
	staleStart := time.Now().Add(-10 * time.Minute)
	freshStart := time.Now().Add(-10 * time.Second)

	orphan := &model.Job{ID: "orphan-1", OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10, StartedAt: &staleStart}
	supervised := &model.Job{ID: "live-1", OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10, StartedAt: &staleStart}
	fresh := &model.Job{ID: "fresh-1", OwnerID: testOwnerID, Status: model.JobStatusProcessing, Cost: 10, StartedAt: &freshStart}
	f.processes.supervised["live-1"] = true

	f.jobs.EXPECT().
		ListProcessing(ctx).
		Return([]*model.Job{orphan, supervised, fresh}, nil).
		Times(1)
	// Only the stale unsupervised job goes through the resolve funnel.
	f.jobs.EXPECT().
		ResolveTerminal(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, params model.ResolveTerminalParams) (bool, error) {
			assert.Equal(t, "orphan-1", params.JobID)
			assert.Equal(t, model.JobStatusFailed, params.Status)
			return true, nil
		}).
		Times(1)
	f.progress.EXPECT().Delete(ctx, "orphan-1").Return(nil).Times(1)
	f.ledger.EXPECT().RefundExists(ctx, "orphan-1").Return(false, nil).Times(1)
	f.ledger.EXPECT().
		Credit(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.CreditRequest) (*model.LedgerEntry, error) {
			assert.Equal(t, model.LedgerReasonRefund, req.Reason)
			assert.Equal(t, 10, req.Amount)
			require.NotNil(t, req.RelatedJobID)
			assert.Equal(t, "orphan-1", *req.RelatedJobID)
			return &model.LedgerEntry{BalanceAfter: 100}, nil
		}).
		Times(1)

	err := reaper.RunOnce(ctx)

	require.NoError(t, err)
}

func TestReaperService_RunOnce_RetentionLoopsUntilExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testReaperConfig()
	cfg.FailedMaxAge = 7 * 24 * time.Hour
	reaper, f := newReaperFixture(t, ctrl, cfg)

	ctx := context.Background()
	f.jobs.EXPECT().ListProcessing(ctx).Return(nil, nil).Times(1)

	// Completed retention drains two batches, failed retention one empty
	// batch. Cancelled retention is off (zero max age).
	gomock.InOrder(
		f.jobs.EXPECT().
			DeleteOldTerminal(ctx, core.DeleteOldTerminalParams{
				Status:    model.JobStatusCompleted,
				MaxAge:    cfg.CompletedMaxAge,
				BatchSize: cfg.BatchSize,
			}).
			Return(int64(500), nil),
		f.jobs.EXPECT().
			DeleteOldTerminal(ctx, core.DeleteOldTerminalParams{
				Status:    model.JobStatusCompleted,
				MaxAge:    cfg.CompletedMaxAge,
				BatchSize: cfg.BatchSize,
			}).
			Return(int64(0), nil),
		f.jobs.EXPECT().
			DeleteOldTerminal(ctx, core.DeleteOldTerminalParams{
				Status:    model.JobStatusFailed,
				MaxAge:    cfg.FailedMaxAge,
				BatchSize: cfg.BatchSize,
			}).
			Return(int64(0), nil),
	)

	err := reaper.RunOnce(ctx)

	require.NoError(t, err)
}

func TestReaperService_RunOnce_AggregatesErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testReaperConfig()
	reaper, f := newReaperFixture(t, ctrl, cfg)

	ctx := context.Background()
	listErr := errors.New("list failed")
	deleteErr := errors.New("delete failed")

	f.jobs.EXPECT().ListProcessing(ctx).Return(nil, listErr).Times(1)
	// The orphan failure does not stop retention from running.
	f.jobs.EXPECT().
		DeleteOldTerminal(ctx, gomock.Any()).
		Return(int64(0), deleteErr).
		Times(1)

	err := reaper.RunOnce(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, listErr)
	assert.ErrorIs(t, err, deleteErr)
	assert.Contains(t, err.Error(), "cleanup failed")
}

func TestReaperService_Run_StopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cfg := testReaperConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.CompletedMaxAge = 0
	reaper, f := newReaperFixture(t, ctrl, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.jobs.EXPECT().ListProcessing(gomock.Any()).Return(nil, nil).MinTimes(1)

	done := make(chan error, 1)
	go func() {
		done <- reaper.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
