package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mixdown/renderd/internal/data"
	"github.com/mixdown/renderd/internal/domain/model"
	apperrors "github.com/mixdown/renderd/internal/errors"
	"github.com/mixdown/renderd/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testCrawlItemID = "item-1"

// stubNudger counts wake-up signals.
type stubNudger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *stubNudger) Nudge(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

func (n *stubNudger) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func newTestCrawlService(t *testing.T, repo *mocks.MockCrawlRepository, opts CrawlServiceOptions) *CrawlService {
	t.Helper()
	opts.Repo = repo
	svc, err := NewCrawlService(opts)
	require.NoError(t, err)
	return svc
}

func testCrawlItem(target string, dest model.CrawlDestination) *model.CrawlItem {
	return &model.CrawlItem{
		ID:          testCrawlItemID,
		OwnerID:     testOwnerID,
		SourceURL:   "https://music.example.com/track/42",
		TargetURL:   target,
		Status:      model.CrawlStatusProcessing,
		Destination: dest,
		MaxRetries:  model.DefaultCrawlMaxRetries,
	}
}

func TestNewCrawlService_RequiredDependency(t *testing.T) {
	svc, err := NewCrawlService(CrawlServiceOptions{Repo: nil})

	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "CrawlRepository is required")
}

func TestCrawlService_Enqueue(t *testing.T) {
	t.Run("enqueues and nudges pollers", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockRepo := mocks.NewMockCrawlRepository(ctrl)
		nudger := &stubNudger{}
		svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{Nudger: nudger})

		ctx := context.Background()
		req := &model.EnqueueCrawlRequest{
			OwnerID:     testOwnerID,
			SourceURL:   "https://music.example.com/track/42",
			TargetURL:   "https://lyrics.example.com/song/42",
			Destination: model.DestinationLyrics,
		}
		expected := testCrawlItem(req.TargetURL, model.DestinationLyrics)

		mockRepo.EXPECT().Enqueue(ctx, req).Return(expected, nil).Times(1)

		item, err := svc.Enqueue(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, expected, item)
		assert.Equal(t, 1, nudger.count())
	})

	t.Run("nudge failure does not fail the enqueue", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockRepo := mocks.NewMockCrawlRepository(ctrl)
		nudger := &stubNudger{err: assert.AnError}
		svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{Nudger: nudger})

		ctx := context.Background()
		req := &model.EnqueueCrawlRequest{
			OwnerID:     testOwnerID,
			SourceURL:   "https://music.example.com/track/42",
			TargetURL:   "https://lyrics.example.com/song/42",
			Destination: model.DestinationLyrics,
		}

		mockRepo.EXPECT().Enqueue(ctx, req).Return(testCrawlItem(req.TargetURL, model.DestinationLyrics), nil).Times(1)

		item, err := svc.Enqueue(ctx, req)

		require.NoError(t, err)
		assert.NotNil(t, item)
		assert.Equal(t, 1, nudger.count())
	})
}

func TestCrawlService_GetItem_NotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	mockRepo.EXPECT().GetByID(ctx, "missing").Return(nil, data.ErrCrawlItemNotFound).Times(1)

	item, err := svc.GetItem(ctx, "missing")

	require.Error(t, err)
	assert.Nil(t, item)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCrawlService_PollOnce_EmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(nil, model.ErrNoCrawlItems).Times(1)

	result, err := svc.PollOnce(ctx)

	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Nil(t, result.ProcessedID)
}

func TestCrawlService_PollOnce_JSONLyrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"song": {"title": "Midnight Train"}, "lyrics_body": "leaving on the midnight train"}`))
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationLyrics)

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().
		MarkDone(ctx, item, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *model.CrawlItem, doc *model.CrawlDocument) error {
			assert.Equal(t, testCrawlItemID, doc.ItemID)
			assert.Equal(t, testOwnerID, doc.OwnerID)
			assert.Equal(t, "Midnight Train", doc.Title)
			assert.Equal(t, "leaving on the midnight train", doc.Body)
			assert.False(t, doc.FetchedAt.IsZero())
			return nil
		}).
		Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(true, nil).Times(1)

	result, err := svc.PollOnce(ctx)

	require.NoError(t, err)
	require.NotNil(t, result.ProcessedID)
	assert.Equal(t, testCrawlItemID, *result.ProcessedID)
	assert.True(t, result.HasMore)
}

func TestCrawlService_PollOnce_JSONArtwork(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"album": {"title": "Night Drives", "images": [{"url": "https://img.example.com/cover.jpg"}]}}`))
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationArtwork)

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().
		MarkDone(ctx, item, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *model.CrawlItem, doc *model.CrawlDocument) error {
			assert.Equal(t, "Night Drives", doc.Title)
			assert.Equal(t, "https://img.example.com/cover.jpg", doc.Body)
			return nil
		}).
		Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(false, nil).Times(1)

	result, err := svc.PollOnce(ctx)

	require.NoError(t, err)
	assert.False(t, result.HasMore)
}

func TestCrawlService_PollOnce_HTML(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	page := `<html><head><title>Midnight Train Lyrics</title><script>var x = 1;</script></head>` +
		`<body><h1>Midnight Train</h1><p>leaving on the</p><p>midnight train</p><style>.a{}</style></body></html>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationLyrics)

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().
		MarkDone(ctx, item, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *model.CrawlItem, doc *model.CrawlDocument) error {
			assert.Equal(t, "Midnight Train Lyrics", doc.Title)
			assert.Equal(t, "Midnight Train leaving on the midnight train", doc.Body)
			assert.NotContains(t, doc.Body, "var x")
			return nil
		}).
		Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(false, nil).Times(1)

	result, err := svc.PollOnce(ctx)

	require.NoError(t, err)
	require.NotNil(t, result.ProcessedID)
}

func TestCrawlService_PollOnce_UpstreamErrorRecordsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationLyrics)
	failed := *item
	failed.RetryCount = 1
	failed.Status = model.CrawlStatusPending

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().
		MarkFailedAttempt(ctx, testCrawlItemID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, errMsg string) (*model.CrawlItem, error) {
			assert.Contains(t, errMsg, "unexpected status")
			return &failed, nil
		}).
		Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(true, nil).Times(1)

	result, err := svc.PollOnce(ctx)

	require.NoError(t, err)
	require.NotNil(t, result.ProcessedID)
	assert.True(t, result.HasMore)
}

func TestCrawlService_PollOnce_UnsupportedContentType(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationLyrics)
	failed := *item
	failed.RetryCount = 1

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().
		MarkFailedAttempt(ctx, testCrawlItemID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, errMsg string) (*model.CrawlItem, error) {
			assert.Contains(t, errMsg, "unsupported content type")
			return &failed, nil
		}).
		Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(false, nil).Times(1)

	_, err := svc.PollOnce(ctx)

	require.NoError(t, err)
}

func TestCrawlService_PollOnce_StoreFailureRecordsAttempt(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lyrics": "some words"}`))
	}))
	defer server.Close()

	mockRepo := mocks.NewMockCrawlRepository(ctrl)
	svc := newTestCrawlService(t, mockRepo, CrawlServiceOptions{})

	ctx := context.Background()
	item := testCrawlItem(server.URL, model.DestinationLyrics)
	failed := *item
	failed.RetryCount = 1

	mockRepo.EXPECT().ClaimOldestPending(ctx).Return(item, nil).Times(1)
	mockRepo.EXPECT().MarkDone(ctx, item, gomock.Any()).Return(assert.AnError).Times(1)
	mockRepo.EXPECT().MarkFailedAttempt(ctx, testCrawlItemID, gomock.Any()).Return(&failed, nil).Times(1)
	mockRepo.EXPECT().HasPending(ctx).Return(false, nil).Times(1)

	_, err := svc.PollOnce(ctx)

	require.NoError(t, err)
}

func TestExtractJSONFields(t *testing.T) {
	tests := []struct {
		name      string
		dest      model.CrawlDestination
		body      string
		wantTitle string
		wantBody  string
		wantErr   string
	}{
		{
			name:      "lyrics with flat fields",
			dest:      model.DestinationLyrics,
			body:      `{"title": "Song A", "lyrics": "la la la"}`,
			wantTitle: "Song A",
			wantBody:  "la la la",
		},
		{
			name:      "lyrics falls through alternate spellings",
			dest:      model.DestinationLyrics,
			body:      `{"track": {"name": "Song B"}, "body": "words"}`,
			wantTitle: "Song B",
			wantBody:  "words",
		},
		{
			name:      "artwork url",
			dest:      model.DestinationArtwork,
			body:      `{"artwork_url": "https://img.example.com/a.png"}`,
			wantBody:  "https://img.example.com/a.png",
			wantTitle: "",
		},
		{
			name:    "missing body is an error",
			dest:    model.DestinationLyrics,
			body:    `{"title": "Song C"}`,
			wantErr: "no extractable body",
		},
		{
			name:    "malformed json",
			dest:    model.DestinationLyrics,
			body:    `{"title": `,
			wantErr: "decode json",
		},
		{
			name:    "unknown destination",
			dest:    model.CrawlDestination("video"),
			body:    `{"lyrics": "x"}`,
			wantErr: "no extraction rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, body, err := extractJSONFields(tt.dest, []byte(tt.body))

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, title)
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestExtractHTMLFields(t *testing.T) {
	t.Run("extracts title and collapsed body text", func(t *testing.T) {
		title, body, err := extractHTMLFields([]byte(
			`<html><head><title> Song Page </title></head><body> <p>one</p> <p>two</p> </body></html>`,
		))

		require.NoError(t, err)
		assert.Equal(t, "Song Page", title)
		assert.Equal(t, "one two", body)
	})

	t.Run("empty document is an error", func(t *testing.T) {
		_, _, err := extractHTMLFields([]byte(`<html><head></head><body><script>x()</script></body></html>`))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "no extractable text")
	})
}
