package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/data/pgxutil"
	"github.com/mixdown/renderd/internal/domain/model"
)

// RepoConfig holds configuration options shared by the repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for render job management.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  owner_id,
  status,
  progress,
  step,
  cost,
  source_layout,
  spec,
  work_dir,
  result_path,
  thumbnail_path,
  last_error,
  started_at,
  resolved_at,
  created_at,
  updated_at
`

// Create inserts a new job in pending status and returns the stored record.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	currentTime := r.timeProvider.Now().UTC()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `
        INSERT INTO render_jobs(id, owner_id, status, progress, step, cost, source_layout, spec, work_dir, created_at, updated_at)
        VALUES ($1, $2, 'pending', 0, '', $3, $4, $5, $6, $7, $7)
        RETURNING `+jobColumns,
				id, req.OwnerID, req.Cost, req.SourceLayout, []byte(req.Spec), req.WorkDir, currentTime,
			)
			if qerr != nil {
				return fmt.Errorf("insert job: %w", qerr)
			}
			j, cerr := collectJobFromRows(rows)
			rows.Close()
			if cerr != nil {
				return fmt.Errorf("collect job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM render_jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions a pending job to processing. Returns false if the
// job was no longer pending, which happens when a resolution got there first.
func (r *JobRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// ResolveTerminal performs the single guarded transition into a terminal
// state. The WHERE clause is the whole refund-exactly-once story: only one
// resolution attempt per job can ever match a non-terminal row.
func (r *JobRepo) ResolveTerminal(ctx context.Context, params model.ResolveTerminalParams) (bool, error) {
	if err := params.Validate(); err != nil {
		return false, err
	}

	currentTime := r.timeProvider.Now().UTC()
	var errMsg sql.NullString
	if params.ErrMsg != "" {
		errMsg = sql.NullString{String: params.ErrMsg, Valid: true}
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET status = $2,
		    last_error = $3,
		    result_path = $4,
		    thumbnail_path = $5,
		    resolved_at = $6,
		    updated_at = $6
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, params.JobID, params.Status, errMsg, params.ResultPath, params.ThumbnailPath, currentTime)
	if err != nil {
		return false, fmt.Errorf("resolve terminal: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve terminal rows affected: %w", err)
	}

	resolved := rowsAffected > 0
	if resolved && r.logger != nil {
		r.logger.DebugContext(ctx, "job resolved",
			"job_id", params.JobID,
			"status", params.Status,
		)
	}
	return resolved, nil
}

// UpdateProgress updates progress/step for a processing job. Progress is
// clamped monotonic non-decreasing; updates for non-processing jobs are
// silently dropped because the stream callbacks can race the resolution.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress int, step string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	currentTime := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE render_jobs
		SET progress = GREATEST(progress, $2),
		    step = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, progress, step, currentTime)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// AppendLogs appends complete output lines to the job's ordered log stream.
func (r *JobRepo) AppendLogs(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	currentTime := r.timeProvider.Now().UTC()
	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			// The log aggregator is the only writer per job, so MAX(seq) inside
			// the transaction is race-free in practice; the advisory lock makes
			// it safe regardless.
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", advisoryLockLogSeqMajor, hashStringToLockMinor(id)); err != nil {
				return fmt.Errorf("acquire log seq lock: %w", err)
			}
			var nextSeq int64
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(seq), 0) + 1
				FROM render_job_logs
				WHERE job_id = $1
			`, id).Scan(&nextSeq); err != nil {
				return fmt.Errorf("next log seq: %w", err)
			}

			batch := &pgx.Batch{}
			for i, line := range lines {
				batch.Queue(`
					INSERT INTO render_job_logs(job_id, seq, line, created_at)
					VALUES ($1, $2, $3, $4)
				`, id, nextSeq+int64(i), line, currentTime)
			}
			br := tx.SendBatch(ctx, batch)
			defer func() {
				_ = br.Close()
			}()
			for range lines {
				if _, err := br.Exec(); err != nil {
					return fmt.Errorf("append log line: %w", err)
				}
			}
			return nil
		},
	})
}

// ListLogs returns the job's log lines in stream order.
func (r *JobRepo) ListLogs(ctx context.Context, id string) ([]model.JobLogLine, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT job_id, seq, line, created_at
		FROM render_job_logs
		WHERE job_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var lines []model.JobLogLine
	for rows.Next() {
		var l model.JobLogLine
		if scanErr := rows.Scan(&l.JobID, &l.Seq, &l.Line, &l.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan log line: %w", scanErr)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list logs rows: %w", err)
	}
	return lines, nil
}

// ListProcessing returns every job currently in processing status.
func (r *JobRepo) ListProcessing(ctx context.Context) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM render_jobs
			WHERE status = 'processing'
			ORDER BY started_at ASC NULLS LAST
		`)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		for rows.Next() {
			j, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns counts of jobs in each state.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')    AS pending,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'failed')     AS failed,
    count(*) FILTER (WHERE status = 'cancelled')  AS cancelled
  FROM render_jobs
  `).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}


// DeleteOldTerminal deletes jobs with the given terminal status older than
// MaxAge, up to BatchSize per call. Log lines go with them via FK cascade.
func (r *JobRepo) DeleteOldTerminal(ctx context.Context, params core.DeleteOldTerminalParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("status %q is not terminal", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockRetentionMajor, advisoryLockRetentionDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge).UTC()
			res, err := tx.ExecContext(ctx, `
				DELETE FROM render_jobs
				WHERE id IN (
					SELECT id FROM render_jobs
					WHERE status = $1
					  AND COALESCE(resolved_at, updated_at) < $2
					ORDER BY COALESCE(resolved_at, updated_at)
					LIMIT $3
				)
			`, params.Status, cutoffTime, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	spec                                 []byte
	resultPath, thumbnailPath, lastError sql.NullString
	startedAt, resolvedAt                sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.Progress,
		&job.Step,
		&job.Cost,
		&job.SourceLayout,
		&d.spec,
		&job.WorkDir,
		&d.resultPath,
		&d.thumbnailPath,
		&d.lastError,
		&d.startedAt,
		&d.resolvedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Spec = append(job.Spec[:0], d.spec...)
	job.ResultPath = cloneNullableString(d.resultPath)
	job.ThumbnailPath = cloneNullableString(d.thumbnailPath)
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.ResolvedAt = cloneNullableTime(d.resolvedAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
