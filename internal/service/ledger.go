package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/domain/model"
	apperrors "github.com/mixdown/renderd/internal/errors"
	"github.com/mixdown/renderd/internal/observability/metrics"
	"github.com/mixdown/renderd/internal/observability/statsd"
)

// LedgerServiceOptions groups dependencies for LedgerService.
type LedgerServiceOptions struct {
	Repo    core.LedgerRepository // Required: ledger repository
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metric sink
}

// LedgerService provides business logic for the prepaid credit ledger.
//
// Every balance mutation in the system flows through this service. The
// append-only history plus the per-owner running balance in each entry is
// what lets support answer "where did my credits go" without reconstruction.
type LedgerService struct {
	repo    core.LedgerRepository
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewLedgerService constructs a new LedgerService.
func NewLedgerService(opts LedgerServiceOptions) (*LedgerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "ledger_service")
	}

	return &LedgerService{
		repo:    opts.Repo,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewLedgerService constructs a new LedgerService and panics on error.
func MustNewLedgerService(opts LedgerServiceOptions) *LedgerService {
	svc, err := NewLedgerService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create LedgerService: %v", err))
	}
	return svc
}

// Admit attempts to debit the job's cost from the owner's balance. On
// shortfall it returns an admission_denied error carrying the required and
// available amounts; the ledger is left unchanged.
func (s *LedgerService) Admit(ctx context.Context, ownerID string, cost int, relatedJobID *string) (*model.LedgerEntry, error) {
	entry, available, err := s.repo.TryDebit(ctx, ownerID, cost, relatedJobID)
	if errors.Is(err, model.ErrInsufficientCredit) {
		metrics.EmitAdmission(s.metrics, false, cost)
		if s.logger != nil {
			s.logger.InfoContext(ctx, "admission denied",
				"owner_id", ownerID,
				"required", cost,
				"available", available,
			)
		}
		denial := &apperrors.AdmissionDeniedError{Required: cost, Available: available}
		return nil, denial.AppError()
	}
	if err != nil {
		return nil, fmt.Errorf("admit debit: %w", err)
	}

	metrics.EmitAdmission(s.metrics, true, cost)
	return entry, nil
}

// Refund credits the job's cost back to its owner. Callers must hold the
// winning terminal resolution for the job. A refund that is already on the
// ledger is skipped with a nil entry; the partial unique index on refund
// entries remains the database-level backstop against double refunds.
func (s *LedgerService) Refund(ctx context.Context, job *model.Job) (*model.LedgerEntry, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}

	exists, checkErr := s.repo.RefundExists(ctx, job.ID)
	if checkErr != nil {
		// The unique index still blocks a duplicate; keep going.
		if s.logger != nil {
			s.logger.DebugContext(ctx, "refund pre-check failed", "job_id", job.ID, "error", checkErr)
		}
	} else if exists {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "refund already recorded",
				"job_id", job.ID,
				"owner_id", job.OwnerID,
			)
		}
		return nil, nil
	}

	jobID := job.ID
	entry, err := s.repo.Credit(ctx, &model.CreditRequest{
		OwnerID:      job.OwnerID,
		Amount:       job.Cost,
		Reason:       model.LedgerReasonRefund,
		RelatedJobID: &jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("refund job %s: %w", job.ID, err)
	}

	metrics.EmitRefund(s.metrics, job.Cost, string(job.Status))
	if s.logger != nil {
		s.logger.InfoContext(ctx, "credits refunded",
			"job_id", job.ID,
			"owner_id", job.OwnerID,
			"amount", job.Cost,
			"balance_after", entry.BalanceAfter,
		)
	}
	return entry, nil
}

// Charge records a purchased top-up for the owner.
func (s *LedgerService) Charge(ctx context.Context, ownerID string, amount int) (*model.LedgerEntry, error) {
	return s.credit(ctx, ownerID, amount, model.LedgerReasonCharge)
}

// AdminGrant records a manual operator grant for the owner.
func (s *LedgerService) AdminGrant(ctx context.Context, ownerID string, amount int) (*model.LedgerEntry, error) {
	return s.credit(ctx, ownerID, amount, model.LedgerReasonAdminGrant)
}

func (s *LedgerService) credit(ctx context.Context, ownerID string, amount int, reason model.LedgerReason) (*model.LedgerEntry, error) {
	entry, err := s.repo.Credit(ctx, &model.CreditRequest{
		OwnerID: ownerID,
		Amount:  amount,
		Reason:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", reason, err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "credits granted",
			"owner_id", ownerID,
			"reason", reason,
			"amount", amount,
			"balance_after", entry.BalanceAfter,
		)
	}
	return entry, nil
}

// Balance returns the owner's current balance.
func (s *LedgerService) Balance(ctx context.Context, ownerID string) (int, error) {
	balance, err := s.repo.Balance(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// History returns the owner's ledger entries, newest first.
func (s *LedgerService) History(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	entries, err := s.repo.EntriesByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger history: %w", err)
	}
	return entries, nil
}
