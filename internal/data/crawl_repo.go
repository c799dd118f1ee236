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

// CrawlRepo provides database operations for the crawl queue and its
// destination document tables.
type CrawlRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewCrawlRepo creates a new CrawlRepo instance.
func NewCrawlRepo(db *sql.DB, cfg RepoConfig) *CrawlRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &CrawlRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const crawlColumns = `
  id,
  owner_id,
  source_url,
  target_url,
  status,
  retry_count,
  max_retries,
  destination,
  error_message,
  created_at,
  updated_at
`

// Enqueue inserts a new pending crawl item.
func (r *CrawlRepo) Enqueue(ctx context.Context, req *model.EnqueueCrawlRequest) (*model.CrawlItem, error) {
	if req == nil {
		return nil, errors.New("enqueue crawl request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = model.DefaultCrawlMaxRetries
	}
	currentTime := r.timeProvider.Now().UTC()

	var item *model.CrawlItem
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			INSERT INTO crawl_queue(id, owner_id, source_url, target_url, status, retry_count, max_retries, destination, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $7)
			RETURNING `+crawlColumns,
			uuid.NewString(), req.OwnerID, req.SourceURL, req.TargetURL, maxRetries, req.Destination, currentTime,
		)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		i, cerr := collectCrawlItemFromRows(rows)
		if cerr != nil {
			return cerr
		}
		item = i
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue crawl item: %w", err)
	}
	return item, nil
}

// GetByID retrieves a crawl item by its ID.
func (r *CrawlRepo) GetByID(ctx context.Context, id string) (*model.CrawlItem, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+crawlColumns+`
		FROM crawl_queue
		WHERE id = $1
	`, id)
	item, err := scanCrawlItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCrawlItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl item: %w", err)
	}
	return item, nil
}

// ClaimOldestPending atomically claims the single oldest pending item for
// processing. SKIP LOCKED keeps concurrent pollers from blocking on, or
// double-claiming, the same row.
func (r *CrawlRepo) ClaimOldestPending(ctx context.Context) (*model.CrawlItem, error) {
	currentTime := r.timeProvider.Now().UTC()

	var item *model.CrawlItem
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			WITH next_item AS (
				SELECT id FROM crawl_queue
				WHERE status = 'pending'
				ORDER BY created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE crawl_queue q
			SET status = 'processing', updated_at = $1
			FROM next_item
			WHERE q.id = next_item.id
			RETURNING `+qualifyCrawlColumns("q")+`
		`, currentTime)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		i, cerr := collectCrawlItemFromRows(rows)
		if cerr != nil {
			return cerr
		}
		item = i
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoCrawlItems
	}
	if err != nil {
		return nil, fmt.Errorf("claim crawl item: %w", err)
	}

	if r.logger != nil {
		r.logger.DebugContext(ctx, "crawl item claimed",
			"item_id", item.ID,
			"retry_count", item.RetryCount,
		)
	}
	return item, nil
}

// MarkDone stores the extracted document in the item's destination table and
// freezes the item as done, in one transaction. If a concurrent writer got to
// the item first the whole transaction rolls back.
func (r *CrawlRepo) MarkDone(ctx context.Context, item *model.CrawlItem, doc *model.CrawlDocument) error {
	if item == nil || doc == nil {
		return errors.New("crawl item and document are required")
	}

	table, err := destinationTable(item.Destination)
	if err != nil {
		return err
	}
	currentTime := r.timeProvider.Now().UTC()

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, uerr := tx.Exec(ctx, `
				UPDATE crawl_queue
				SET status = 'done', error_message = NULL, updated_at = $2
				WHERE id = $1 AND status = 'processing'
			`, item.ID, currentTime)
			if uerr != nil {
				return fmt.Errorf("mark crawl item done: %w", uerr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("crawl item %s: %w", item.ID, ErrCrawlItemNotFound)
			}

			if _, ierr := tx.Exec(ctx, `
				INSERT INTO `+table+`(id, item_id, owner_id, target_url, title, body, fetched_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, uuid.NewString(), doc.ItemID, doc.OwnerID, doc.TargetURL, doc.Title, doc.Body, doc.FetchedAt.UTC(), currentTime); ierr != nil {
				return fmt.Errorf("insert %s document: %w", item.Destination, ierr)
			}
			return nil
		},
	})
}

// MarkFailedAttempt records one failed attempt. The item re-queues as pending
// while budget remains and freezes as failed once retry_count reaches
// max_retries. The status guard ensures attempts only count against a live
// claim.
func (r *CrawlRepo) MarkFailedAttempt(ctx context.Context, id, errMsg string) (*model.CrawlItem, error) {
	currentTime := r.timeProvider.Now().UTC()

	var item *model.CrawlItem
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			UPDATE crawl_queue
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			    error_message = $2,
			    updated_at = $3
			WHERE id = $1 AND status = 'processing'
			RETURNING `+crawlColumns,
			id, errMsg, currentTime,
		)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		i, cerr := collectCrawlItemFromRows(rows)
		if cerr != nil {
			return cerr
		}
		item = i
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCrawlItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark crawl attempt failed: %w", err)
	}
	return item, nil
}

// HasPending reports whether any pending items remain in the queue.
func (r *CrawlRepo) HasPending(ctx context.Context) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM crawl_queue WHERE status = 'pending')
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending crawl items: %w", err)
	}
	return exists, nil
}

// destinationTable maps a destination to its table name. The destination is
// validated at enqueue time, so an unknown value here is a programming error.
func destinationTable(d model.CrawlDestination) (string, error) {
	switch d {
	case model.DestinationLyrics:
		return "lyrics_documents", nil
	case model.DestinationArtwork:
		return "artwork_documents", nil
	default:
		return "", fmt.Errorf("unknown crawl destination %q", d)
	}
}

func qualifyCrawlColumns(alias string) string {
	return alias + ".id, " +
		alias + ".owner_id, " +
		alias + ".source_url, " +
		alias + ".target_url, " +
		alias + ".status, " +
		alias + ".retry_count, " +
		alias + ".max_retries, " +
		alias + ".destination, " +
		alias + ".error_message, " +
		alias + ".created_at, " +
		alias + ".updated_at"
}

func collectCrawlItemFromRows(rows pgx.Rows) (*model.CrawlItem, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}
	item, err := scanCrawlItem(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return item, nil
}

type crawlRowScanner interface {
	Scan(dest ...any) error
}

func scanCrawlItem(scanner crawlRowScanner) (*model.CrawlItem, error) {
	item := &model.CrawlItem{}
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&item.ID,
		&item.OwnerID,
		&item.SourceURL,
		&item.TargetURL,
		&item.Status,
		&item.RetryCount,
		&item.MaxRetries,
		&item.Destination,
		&errorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.ErrorMessage = cloneNullableString(errorMessage)
	return item, nil
}
