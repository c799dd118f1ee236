package procmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mixdown/renderd/internal/core"
)

// LogStore is the persistence half of the aggregator.
type LogStore interface {
	AppendLogs(ctx context.Context, id string, lines []string) error
}

// AggregatorOptions groups configuration for LogAggregator.
type AggregatorOptions struct {
	Store         LogStore      // Required: durable log sink
	Logger        *slog.Logger  // Optional: structured logger
	FlushSize     int           // Optional: lines per job that force a flush
	FlushInterval time.Duration // Optional: background flush cadence
}

// LogAggregator buffers renderer output lines per job and flushes them to the
// store in batches, preserving per-job ordering. Appends never block on the
// database; slow storage costs buffered memory, not renderer throughput.
type LogAggregator struct {
	store         LogStore
	logger        *slog.Logger
	flushSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffers map[string][]string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ core.LogSink = (*LogAggregator)(nil)

// NewLogAggregator constructs a LogAggregator and starts its flush loop.
func NewLogAggregator(opts AggregatorOptions) *LogAggregator {
	flushSize := opts.FlushSize
	if flushSize <= 0 {
		flushSize = 50
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "log_aggregator")
	}

	a := &LogAggregator{
		store:         opts.Store,
		logger:        logger,
		flushSize:     flushSize,
		flushInterval: interval,
		buffers:       make(map[string][]string),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// Append buffers one line for the job. When the job's buffer reaches the
// flush size it is flushed inline.
func (a *LogAggregator) Append(jobID, line string) {
	a.mu.Lock()
	a.buffers[jobID] = append(a.buffers[jobID], line)
	shouldFlush := len(a.buffers[jobID]) >= a.flushSize
	a.mu.Unlock()

	if shouldFlush {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.FlushJob(ctx, jobID); err != nil && a.logger != nil {
			a.logger.Error("log flush failed", "job_id", jobID, "error", err)
		}
	}
}

// FlushJob persists any buffered lines for the job. On store failure the
// lines are put back at the front of the buffer so ordering survives.
func (a *LogAggregator) FlushJob(ctx context.Context, jobID string) error {
	a.mu.Lock()
	lines := a.buffers[jobID]
	delete(a.buffers, jobID)
	a.mu.Unlock()

	if len(lines) == 0 {
		return nil
	}

	if err := a.store.AppendLogs(ctx, jobID, lines); err != nil {
		a.mu.Lock()
		a.buffers[jobID] = append(lines, a.buffers[jobID]...)
		a.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the flush loop and drains every buffer.
func (a *LogAggregator) Close(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.flushAll(ctx)
}

func (a *LogAggregator) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.flushAll(ctx); err != nil && a.logger != nil {
				a.logger.Error("periodic log flush failed", "error", err)
			}
			cancel()
		}
	}
}

func (a *LogAggregator) flushAll(ctx context.Context) error {
	a.mu.Lock()
	jobIDs := make([]string, 0, len(a.buffers))
	for id := range a.buffers {
		jobIDs = append(jobIDs, id)
	}
	a.mu.Unlock()

	var firstErr error
	for _, id := range jobIDs {
		if err := a.FlushJob(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
