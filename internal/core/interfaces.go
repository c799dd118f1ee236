package core

import (
	"context"
	"time"

	"github.com/mixdown/renderd/internal/domain/model"
)

// This file contains repository and controller interface definitions (ports in
// hexagonal architecture). Service implementations depend on these interfaces,
// not concrete implementations.

// JobRepository defines the interface for render job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// MarkProcessing transitions pending → processing. Returns false when the
	// job was not pending (e.g. already resolved).
	MarkProcessing(ctx context.Context, id string) (bool, error)
	// ResolveTerminal performs the single guarded transition into a terminal
	// state. Returns true only for the winning resolution; every later attempt
	// for the same job observes false. All refund decisions key off this result.
	ResolveTerminal(ctx context.Context, params model.ResolveTerminalParams) (bool, error)
	// UpdateProgress updates progress/step while processing. Progress is
	// clamped monotonic non-decreasing; updates against non-processing jobs
	// are silently dropped.
	UpdateProgress(ctx context.Context, id string, progress int, step string) error
	AppendLogs(ctx context.Context, id string, lines []string) error
	ListLogs(ctx context.Context, id string) ([]model.JobLogLine, error)
	ListProcessing(ctx context.Context) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	DeleteOldTerminal(ctx context.Context, params DeleteOldTerminalParams) (int64, error)
}

// DeleteOldTerminalParams groups parameters for JobRepository.DeleteOldTerminal.
type DeleteOldTerminalParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// LedgerRepository defines the interface for credit ledger operations.
//
// All balance mutations go through TryDebit/Credit; nothing else in the system
// may read-then-write a balance outside this component.
type LedgerRepository interface {
	// TryDebit atomically checks balance >= amount and appends a `use` entry.
	// On shortfall it returns model.ErrInsufficientCredit and the unchanged
	// current balance; concurrent debits for one owner never both succeed when
	// only one would leave a non-negative balance.
	TryDebit(ctx context.Context, ownerID string, amount int, relatedJobID *string) (*model.LedgerEntry, int, error)
	// Credit unconditionally increments the balance and appends an entry.
	Credit(ctx context.Context, req *model.CreditRequest) (*model.LedgerEntry, error)
	Balance(ctx context.Context, ownerID string) (int, error)
	EntriesByOwner(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error)
	// RefundExists reports whether a refund entry already references the job.
	RefundExists(ctx context.Context, jobID string) (bool, error)
}

// CrawlRepository defines the interface for crawl queue operations.
type CrawlRepository interface {
	Enqueue(ctx context.Context, req *model.EnqueueCrawlRequest) (*model.CrawlItem, error)
	GetByID(ctx context.Context, id string) (*model.CrawlItem, error)
	// ClaimOldestPending atomically transitions the single oldest pending item
	// to processing. Two concurrent claimants never both receive the same
	// item. Returns model.ErrNoCrawlItems when the queue is empty.
	ClaimOldestPending(ctx context.Context) (*model.CrawlItem, error)
	// MarkDone stores the extracted document in the item's destination table
	// and freezes the item as done, in one transaction.
	MarkDone(ctx context.Context, item *model.CrawlItem, doc *model.CrawlDocument) error
	// MarkFailedAttempt increments retryCount, keeps the latest error message,
	// and either re-queues the item as pending or freezes it as failed once
	// the retry budget is exhausted. Returns the updated item.
	MarkFailedAttempt(ctx context.Context, id, errMsg string) (*model.CrawlItem, error)
	HasPending(ctx context.Context) (bool, error)
}

// ProgressCache is the hot-path store for progress snapshots. Losing it is
// harmless; the durable record remains authoritative.
type ProgressCache interface {
	SetProgress(ctx context.Context, jobID string, snap model.ProgressSnapshot) error
	GetProgress(ctx context.Context, jobID string) (*model.ProgressSnapshot, error)
	Delete(ctx context.Context, jobID string) error
}
