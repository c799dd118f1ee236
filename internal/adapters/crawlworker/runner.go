package crawlworker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mixdown/renderd/config"
	"github.com/mixdown/renderd/internal/service"
)

// Signal is the wake-up subscription source, typically backed by Redis pub/sub.
type Signal interface {
	Subscribe(ctx context.Context) *redis.PubSub
}

// Options groups dependencies for Runner.
type Options struct {
	Crawler *service.CrawlService // Required: crawl service
	Config  config.CrawlerConfig  // Required: runner configuration
	Signal  Signal                // Optional: enqueue wake-up channel
	Logger  *slog.Logger          // Optional: structured logger
}

// Runner drives the crawl queue. It polls on a fixed tick and additionally
// wakes early when an enqueue signal arrives, so a quiet queue costs one
// claim query per interval while a busy one drains promptly.
type Runner struct {
	crawler *service.CrawlService
	config  config.CrawlerConfig
	signal  Signal
	logger  *slog.Logger
}

// New constructs a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Crawler == nil {
		return nil, errors.New("CrawlService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "crawl_worker")
	}

	return &Runner{
		crawler: opts.Crawler,
		config:  opts.Config,
		signal:  opts.Signal,
		logger:  logger,
	}, nil
}

// Run polls until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	if r.logger != nil {
		r.logger.InfoContext(ctx, "starting crawl worker", "interval", r.config.Interval)
	}

	var nudges <-chan *redis.Message
	if r.signal != nil {
		sub := r.signal.Subscribe(ctx)
		defer func() {
			_ = sub.Close()
		}()
		nudges = sub.Channel()
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if r.logger != nil {
				r.logger.InfoContext(ctx, "crawl worker stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			r.drain(ctx)

		case _, ok := <-nudges:
			if !ok {
				nudges = nil
				continue
			}
			r.drain(ctx)
		}
	}
}

// drain processes up to DrainBurst items back to back while the queue has
// pending work.
func (r *Runner) drain(ctx context.Context) {
	for i := 0; i < r.config.DrainBurst; i++ {
		result, err := r.crawler.PollOnce(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && r.logger != nil {
				r.logger.ErrorContext(ctx, "crawl poll failed", "error", err)
			}
			return
		}
		if result.ProcessedID == nil || !result.HasMore {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
