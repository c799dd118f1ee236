package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CrawlStatus represents the current status of a crawl queue item.
type CrawlStatus string

// CrawlDestination selects which downstream table receives a successful crawl result.
type CrawlDestination string

const (
	// CrawlStatusPending indicates the item is waiting for a poller.
	CrawlStatusPending CrawlStatus = "pending"
	// CrawlStatusProcessing indicates a poller has claimed the item.
	CrawlStatusProcessing CrawlStatus = "processing"
	// CrawlStatusDone indicates the fetch succeeded and the result was stored.
	CrawlStatusDone CrawlStatus = "done"
	// CrawlStatusFailed indicates all retries were exhausted.
	CrawlStatusFailed CrawlStatus = "failed"

	// DestinationLyrics routes successful results into the lyrics documents table.
	DestinationLyrics CrawlDestination = "lyrics"
	// DestinationArtwork routes successful results into the artwork documents table.
	DestinationArtwork CrawlDestination = "artwork"
)

// DefaultCrawlMaxRetries is the retry budget fixed at enqueue time unless overridden.
const DefaultCrawlMaxRetries = 3

// crawlTimeoutSchedule maps retryCount to the attempt timeout. Later attempts
// get strictly more time; earlier failures are more likely slow upstreams than
// permanent errors. Indexes past the end are capped at the last value.
var crawlTimeoutSchedule = []time.Duration{
	60 * time.Second,
	90 * time.Second,
	120 * time.Second,
}

// CrawlAttemptTimeout resolves the timeout for an attempt at the given retry count.
func CrawlAttemptTimeout(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(crawlTimeoutSchedule) {
		return crawlTimeoutSchedule[len(crawlTimeoutSchedule)-1]
	}
	return crawlTimeoutSchedule[retryCount]
}

// Valid returns true if the CrawlStatus is valid.
func (s CrawlStatus) Valid() bool {
	return s == CrawlStatusPending || s == CrawlStatusProcessing ||
		s == CrawlStatusDone || s == CrawlStatusFailed
}

// Valid returns true if the CrawlDestination is a known destination table.
func (d CrawlDestination) Valid() bool {
	return d == DestinationLyrics || d == DestinationArtwork
}

// ErrNoCrawlItems is returned when no pending crawl items are available.
var ErrNoCrawlItems = errors.New("no crawl items available")

// CrawlItem is one unit of best-effort, retryable web-fetch work. Crawl items
// are unbilled; they share the job system's retry and timeout philosophy only.
//
// Invariant: RetryCount <= MaxRetries always; once the status is done or
// failed, both are frozen.
type CrawlItem struct {
	ID           string           `json:"id"                      db:"id"`
	OwnerID      string           `json:"owner_id"                db:"owner_id"`
	SourceURL    string           `json:"source_url"              db:"source_url"`
	TargetURL    string           `json:"target_url"              db:"target_url"`
	Status       CrawlStatus      `json:"status"                  db:"status"`
	RetryCount   int              `json:"retry_count"             db:"retry_count"`
	MaxRetries   int              `json:"max_retries"             db:"max_retries"`
	Destination  CrawlDestination `json:"destination"             db:"destination"`
	ErrorMessage *string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time        `json:"created_at"              db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"              db:"updated_at"`
}

// AttemptTimeout returns the timeout budget for the item's next attempt.
func (i *CrawlItem) AttemptTimeout() time.Duration {
	return CrawlAttemptTimeout(i.RetryCount)
}

// EnqueueCrawlRequest describes a new crawl queue item.
type EnqueueCrawlRequest struct {
	OwnerID     string           `json:"owner_id"`
	SourceURL   string           `json:"source_url"`
	TargetURL   string           `json:"target_url"`
	Destination CrawlDestination `json:"destination"`
	MaxRetries  int              `json:"max_retries,omitempty"`
}

// Validate validates the EnqueueCrawlRequest fields.
func (r *EnqueueCrawlRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if err := validateCrawlURL(r.SourceURL); err != nil {
		return fmt.Errorf("source url: %w", err)
	}
	if err := validateCrawlURL(r.TargetURL); err != nil {
		return fmt.Errorf("target url: %w", err)
	}
	if !r.Destination.Valid() {
		return fmt.Errorf("invalid destination: %q", r.Destination)
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

func validateCrawlURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// CrawlDocument is the extracted result written into a destination table.
type CrawlDocument struct {
	ItemID    string    `json:"item_id"    db:"item_id"`
	OwnerID   string    `json:"owner_id"   db:"owner_id"`
	TargetURL string    `json:"target_url" db:"target_url"`
	Title     string    `json:"title"      db:"title"`
	Body      string    `json:"body"       db:"body"`
	FetchedAt time.Time `json:"fetched_at" db:"fetched_at"`
}

// PollResult is the outcome of one crawl queue poll invocation.
type PollResult struct {
	ProcessedID *string `json:"processed_id,omitempty"`
	HasMore     bool    `json:"has_more"`
}
