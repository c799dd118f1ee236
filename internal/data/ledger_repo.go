package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mixdown/renderd/internal/data/pgxutil"
	"github.com/mixdown/renderd/internal/domain/model"
)

// LedgerRepo provides append-only database operations for the credit ledger.
//
// All balance-changing writes take a per-owner advisory lock so the running
// BalanceAfter chain stays consistent under concurrent admission attempts.
type LedgerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewLedgerRepo creates a new LedgerRepo instance.
func NewLedgerRepo(db *sql.DB, cfg RepoConfig) *LedgerRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &LedgerRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const ledgerColumns = `
  id,
  owner_id,
  delta,
  reason,
  related_job_id,
  balance_after,
  created_at
`

// TryDebit atomically checks the owner's balance and appends a 'use' entry
// for -amount when it covers the request. On insufficient funds it returns
// model.ErrInsufficientCredit along with the available balance and leaves the
// ledger untouched.
func (r *LedgerRepo) TryDebit(ctx context.Context, ownerID string, amount int, relatedJobID *string) (*model.LedgerEntry, int, error) {
	if ownerID == "" {
		return nil, 0, errors.New("owner id is required")
	}
	if amount <= 0 {
		return nil, 0, errors.New("amount must be positive")
	}

	var (
		entry     *model.LedgerEntry
		available int
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			balance, lerr := r.lockOwnerBalance(ctx, tx, ownerID)
			if lerr != nil {
				return lerr
			}
			available = balance
			if balance < amount {
				return model.ErrInsufficientCredit
			}

			e, aerr := r.appendEntry(ctx, tx, &model.LedgerEntry{
				OwnerID:      ownerID,
				Delta:        -amount,
				Reason:       model.LedgerReasonUse,
				RelatedJobID: relatedJobID,
				BalanceAfter: balance - amount,
			})
			if aerr != nil {
				return aerr
			}
			entry = e
			return nil
		},
	})
	if errors.Is(err, model.ErrInsufficientCredit) {
		return nil, available, model.ErrInsufficientCredit
	}
	if err != nil {
		return nil, 0, fmt.Errorf("try debit: %w", err)
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "credit debited",
			"owner_id", ownerID,
			"amount", amount,
			"balance_after", entry.BalanceAfter,
		)
	}
	return entry, available, nil
}

// Credit appends an unconditional positive entry (refund, charge, grant).
func (r *LedgerRepo) Credit(ctx context.Context, req *model.CreditRequest) (*model.LedgerEntry, error) {
	if req == nil {
		return nil, errors.New("credit request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var entry *model.LedgerEntry
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			balance, lerr := r.lockOwnerBalance(ctx, tx, req.OwnerID)
			if lerr != nil {
				return lerr
			}
			e, aerr := r.appendEntry(ctx, tx, &model.LedgerEntry{
				OwnerID:      req.OwnerID,
				Delta:        req.Amount,
				Reason:       req.Reason,
				RelatedJobID: req.RelatedJobID,
				BalanceAfter: balance + req.Amount,
			})
			if aerr != nil {
				return aerr
			}
			entry = e
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	return entry, nil
}

// Balance returns the owner's current balance. Owners with no ledger history
// have a balance of zero.
func (r *LedgerRepo) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COALESCE((
			SELECT balance_after
			FROM credit_ledger
			WHERE owner_id = $1
			ORDER BY seq DESC
			LIMIT 1
		), 0)
	`, ownerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// EntriesByOwner returns the owner's ledger history, newest first.
func (r *LedgerRepo) EntriesByOwner(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM credit_ledger
		WHERE owner_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*model.LedgerEntry
	for rows.Next() {
		e, scanErr := scanLedgerEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries rows: %w", err)
	}
	return entries, nil
}

// RefundExists reports whether a refund entry already references the job.
func (r *LedgerRepo) RefundExists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM credit_ledger
			WHERE reason = 'refund' AND related_job_id = $1
		)
	`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refund exists: %w", err)
	}
	return exists, nil
}

// lockOwnerBalance serializes on the owner and reads the latest balance
// inside the transaction.
func (r *LedgerRepo) lockOwnerBalance(ctx context.Context, tx pgx.Tx, ownerID string) (int, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", advisoryLockLedgerMajor, hashStringToLockMinor(ownerID)); err != nil {
		return 0, fmt.Errorf("acquire ledger lock: %w", err)
	}
	var balance int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT balance_after
			FROM credit_ledger
			WHERE owner_id = $1
			ORDER BY seq DESC
			LIMIT 1
		), 0)
	`, ownerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("read locked balance: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepo) appendEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) (*model.LedgerEntry, error) {
	currentTime := r.timeProvider.Now().UTC()
	rows, err := tx.Query(ctx, `
		INSERT INTO credit_ledger(id, owner_id, delta, reason, related_job_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+ledgerColumns,
		uuid.NewString(), e.OwnerID, e.Delta, e.Reason, e.RelatedJobID, e.BalanceAfter, currentTime,
	)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if rowsErr := rows.Err(); rowsErr != nil {
			return nil, rowsErr
		}
		return nil, pgx.ErrNoRows
	}
	entry, err := scanLedgerEntry(rows)
	if err != nil {
		return nil, fmt.Errorf("scan inserted ledger entry: %w", err)
	}
	return entry, rows.Err()
}

type ledgerRowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(scanner ledgerRowScanner) (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{}
	var relatedJobID sql.NullString
	if err := scanner.Scan(
		&e.ID,
		&e.OwnerID,
		&e.Delta,
		&e.Reason,
		&relatedJobID,
		&e.BalanceAfter,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.RelatedJobID = cloneNullableString(relatedJobID)
	return e, nil
}
