package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mixdown/renderd/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

// RedisProgressCache implements the ProgressCache interface using Redis.
//
// Snapshots are best-effort hot-path state; the durable jobs table remains
// authoritative, so entries carry a TTL and a lost cache is harmless.
type RedisProgressCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// DefaultProgressTTL bounds how long a stale snapshot can outlive its job.
const DefaultProgressTTL = 6 * time.Hour

// NewRedisProgressCache creates a new RedisProgressCache with the given Redis client.
func NewRedisProgressCache(client redis.UniversalClient, ttl time.Duration) *RedisProgressCache {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &RedisProgressCache{client: client, ttl: ttl}
}

func progressKey(jobID string) string {
	return "renderd:progress:" + jobID
}

// SetProgress stores a progress snapshot for the job.
func (c *RedisProgressCache) SetProgress(ctx context.Context, jobID string, snap model.ProgressSnapshot) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}
	if err := c.client.Set(ctx, progressKey(jobID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set progress: %w", err)
	}
	return nil
}

// GetProgress retrieves the job's progress snapshot. A missing key returns
// (nil, nil).
func (c *RedisProgressCache) GetProgress(ctx context.Context, jobID string) (*model.ProgressSnapshot, error) {
	if jobID == "" {
		return nil, errors.New("job id cannot be empty")
	}
	result, err := c.client.Get(ctx, progressKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get progress: %w", err)
	}

	var snap model.ProgressSnapshot
	if err := json.Unmarshal([]byte(result), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal progress snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the job's progress snapshot.
func (c *RedisProgressCache) Delete(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("job id cannot be empty")
	}
	if err := c.client.Del(ctx, progressKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del progress: %w", err)
	}
	return nil
}
