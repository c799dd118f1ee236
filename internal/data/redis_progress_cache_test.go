package data

import (
	"context"
	"testing"
	"time"

	"github.com/mixdown/renderd/internal/domain/model"
	"github.com/mixdown/renderd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisProgressCache_RoundTrip(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewRedisProgressCache(client, time.Minute)
	ctx := context.Background()

	snap := model.ProgressSnapshot{
		Progress:  42,
		Step:      "encode",
		UpdatedAt: testutil.TestTime(),
	}
	require.NoError(t, cache.SetProgress(ctx, "job-1", snap))

	got, err := cache.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42, got.Progress)
	assert.Equal(t, "encode", got.Step)
	assert.True(t, snap.UpdatedAt.Equal(got.UpdatedAt))
}

func TestRedisProgressCache_MissingKey(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewRedisProgressCache(client, time.Minute)

	got, err := cache.GetProgress(context.Background(), "never-written")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisProgressCache_Delete(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewRedisProgressCache(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.SetProgress(ctx, "job-1", model.ProgressSnapshot{Progress: 10}))
	require.NoError(t, cache.Delete(ctx, "job-1"))

	got, err := cache.GetProgress(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting a missing key is fine.
	require.NoError(t, cache.Delete(ctx, "job-1"))
}

func TestRedisProgressCache_EmptyJobID(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewRedisProgressCache(client, time.Minute)
	ctx := context.Background()

	require.Error(t, cache.SetProgress(ctx, "", model.ProgressSnapshot{}))
	_, err := cache.GetProgress(ctx, "")
	require.Error(t, err)
	require.Error(t, cache.Delete(ctx, ""))
}

func TestRedisProgressCache_TTLExpiry(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	cache := NewRedisProgressCache(client, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, cache.SetProgress(ctx, "job-1", model.ProgressSnapshot{Progress: 99}))

	assert.Eventually(t, func() bool {
		got, err := cache.GetProgress(ctx, "job-1")
		return err == nil && got == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRedisCrawlSignal_NudgeWakesSubscriber(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	signal := NewRedisCrawlSignal(client)
	ctx := context.Background()

	sub := signal.Subscribe(ctx)
	defer func() {
		_ = sub.Close()
	}()

	// Wait for the subscription to be live before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, signal.Nudge(ctx))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, CrawlSignalChannel, msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("nudge never reached the subscriber")
	}
}
