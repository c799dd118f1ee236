package crawlworker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mixdown/renderd/config"
	"github.com/mixdown/renderd/internal/domain/model"
	"github.com/mixdown/renderd/internal/mocks"
	"github.com/mixdown/renderd/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newLyricsServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title": "Song", "lyrics": "words"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestRunner(t *testing.T, repo *mocks.MockCrawlRepository, cfg config.CrawlerConfig) *Runner {
	t.Helper()
	crawler, err := service.NewCrawlService(service.CrawlServiceOptions{Repo: repo})
	require.NoError(t, err)

	runner, err := New(Options{Crawler: crawler, Config: cfg})
	require.NoError(t, err)
	return runner
}

func pendingItem(id, target string) *model.CrawlItem {
	return &model.CrawlItem{
		ID:          id,
		OwnerID:     "owner-1",
		SourceURL:   "https://music.example.com/track/42",
		TargetURL:   target,
		Status:      model.CrawlStatusProcessing,
		Destination: model.DestinationLyrics,
		MaxRetries:  model.DefaultCrawlMaxRetries,
	}
}

func TestNew_RequiredDependency(t *testing.T) {
	runner, err := New(Options{})

	require.Error(t, err)
	assert.Nil(t, runner)
	assert.Contains(t, err.Error(), "CrawlService is required")
}

func TestRunner_Drain_StopsWhenQueueEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockCrawlRepository(ctrl)
	runner := newTestRunner(t, repo, config.CrawlerConfig{Interval: time.Hour, DrainBurst: 10})

	ctx := context.Background()
	repo.EXPECT().ClaimOldestPending(ctx).Return(nil, model.ErrNoCrawlItems).Times(1)

	runner.drain(ctx)
}

func TestRunner_Drain_ProcessesUntilQueueDrains(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := newLyricsServer(t)
	repo := mocks.NewMockCrawlRepository(ctrl)
	runner := newTestRunner(t, repo, config.CrawlerConfig{Interval: time.Hour, DrainBurst: 10})

	ctx := context.Background()
	first := pendingItem("item-1", server.URL)
	second := pendingItem("item-2", server.URL)

	gomock.InOrder(
		repo.EXPECT().ClaimOldestPending(ctx).Return(first, nil),
		repo.EXPECT().MarkDone(ctx, first, gomock.Any()).Return(nil),
		repo.EXPECT().HasPending(ctx).Return(true, nil),
		repo.EXPECT().ClaimOldestPending(ctx).Return(second, nil),
		repo.EXPECT().MarkDone(ctx, second, gomock.Any()).Return(nil),
		repo.EXPECT().HasPending(ctx).Return(false, nil),
	)

	runner.drain(ctx)
}

func TestRunner_Drain_RespectsBurstCap(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := newLyricsServer(t)
	repo := mocks.NewMockCrawlRepository(ctrl)
	runner := newTestRunner(t, repo, config.CrawlerConfig{Interval: time.Hour, DrainBurst: 2})

	ctx := context.Background()

	// The queue always reports more work; the burst cap bounds the pass.
	repo.EXPECT().
		ClaimOldestPending(ctx).
		DoAndReturn(func(context.Context) (*model.CrawlItem, error) {
			return pendingItem("item-n", server.URL), nil
		}).
		Times(2)
	repo.EXPECT().MarkDone(ctx, gomock.Any(), gomock.Any()).Return(nil).Times(2)
	repo.EXPECT().HasPending(ctx).Return(true, nil).Times(2)

	runner.drain(ctx)
}

func TestRunner_Run_StopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	repo := mocks.NewMockCrawlRepository(ctrl)
	runner := newTestRunner(t, repo, config.CrawlerConfig{Interval: 10 * time.Millisecond, DrainBurst: 1})

	repo.EXPECT().
		ClaimOldestPending(gomock.Any()).
		Return(nil, model.ErrNoCrawlItems).
		AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
