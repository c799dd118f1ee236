package data

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CrawlSignalChannel is the pub/sub channel used to wake idle crawl pollers
// when new work is enqueued. The signal is purely an optimization; pollers
// still tick on their own interval, so a lost message only delays pickup.
const CrawlSignalChannel = "renderd:crawl:enqueued"

// RedisCrawlSignal fans enqueue notifications out to crawl pollers.
type RedisCrawlSignal struct {
	client redis.UniversalClient
}

// NewRedisCrawlSignal creates a new RedisCrawlSignal.
func NewRedisCrawlSignal(client redis.UniversalClient) *RedisCrawlSignal {
	return &RedisCrawlSignal{client: client}
}

// Nudge publishes a wake-up to any subscribed pollers.
func (s *RedisCrawlSignal) Nudge(ctx context.Context) error {
	if err := s.client.Publish(ctx, CrawlSignalChannel, "1").Err(); err != nil {
		return fmt.Errorf("publish crawl signal: %w", err)
	}
	return nil
}

// Subscribe returns a subscription on the crawl signal channel. The caller
// owns the subscription and must Close it.
func (s *RedisCrawlSignal) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, CrawlSignalChannel)
}
