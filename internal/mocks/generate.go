// Package mocks provides mock implementations for testing the renderd job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, MarkProcessing, ResolveTerminal, UpdateProgress, AppendLogs,
// ListLogs, ListProcessing, Stats, DeleteOldTerminal
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/mixdown/renderd/internal/core JobRepository

// Generate mock for LedgerRepository interface from internal/core package.
// This creates MockLedgerRepository with methods for all LedgerRepository interface methods:
// TryDebit, Credit, Balance, EntriesByOwner, RefundExists
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=ledger_repository_mock.go github.com/mixdown/renderd/internal/core LedgerRepository

// Generate mock for CrawlRepository interface from internal/core package.
// This creates MockCrawlRepository with methods for all CrawlRepository interface methods:
// Enqueue, GetByID, ClaimOldestPending, MarkDone, MarkFailedAttempt, HasPending
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=crawl_repository_mock.go github.com/mixdown/renderd/internal/core CrawlRepository

// Generate mock for ProgressCache interface from internal/core package.
// This creates MockProgressCache with methods for all ProgressCache interface methods:
// SetProgress, GetProgress, Delete
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=progress_cache_mock.go github.com/mixdown/renderd/internal/core ProgressCache
