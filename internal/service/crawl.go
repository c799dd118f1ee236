package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/net/html"

	"github.com/mixdown/renderd/internal/core"
	"github.com/mixdown/renderd/internal/data"
	"github.com/mixdown/renderd/internal/domain/model"
	apperrors "github.com/mixdown/renderd/internal/errors"
	"github.com/mixdown/renderd/internal/observability/metrics"
	"github.com/mixdown/renderd/internal/observability/statsd"
)

// DefaultCrawlBodyLimit caps how much of an upstream response we read.
const DefaultCrawlBodyLimit = 4 << 20

// CrawlNudger wakes idle pollers after an enqueue. Best effort only.
type CrawlNudger interface {
	Nudge(ctx context.Context) error
}

// jsonFieldExpressions maps a destination to the jmespath expressions tried
// against JSON responses. Upstream payload shapes vary by provider, so each
// expression falls through a few known spellings.
var jsonFieldExpressions = map[model.CrawlDestination]struct{ title, body string }{
	model.DestinationLyrics: {
		title: "title || song.title || track.name",
		body:  "lyrics || lyrics_body || body",
	},
	model.DestinationArtwork: {
		title: "title || album.title || album.name",
		body:  "images[0].url || album.images[0].url || artwork_url",
	},
}

// CrawlServiceOptions groups dependencies for CrawlService.
type CrawlServiceOptions struct {
	Repo       core.CrawlRepository // Required: crawl queue repository
	HTTPClient *http.Client         // Optional: defaults to a 2 minute client
	Nudger     CrawlNudger          // Optional: poller wake-up signal
	Logger     *slog.Logger         // Optional: structured logger
	Metrics    statsd.Sink          // Optional: metric sink
	BodyLimit  int64                // Optional: response size cap
}

// CrawlService runs the best-effort lyrics/artwork crawl queue. Items are
// unbilled and retried on a fixed timeout schedule; they share nothing with
// the render job state machine beyond its retry philosophy.
type CrawlService struct {
	repo      core.CrawlRepository
	client    *http.Client
	nudger    CrawlNudger
	logger    *slog.Logger
	metrics   statsd.Sink
	bodyLimit int64
}

// NewCrawlService constructs a new CrawlService.
func NewCrawlService(opts CrawlServiceOptions) (*CrawlService, error) {
	if opts.Repo == nil {
		return nil, errors.New("CrawlRepository is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	limit := opts.BodyLimit
	if limit <= 0 {
		limit = DefaultCrawlBodyLimit
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "crawl_service")
	}

	return &CrawlService{
		repo:      opts.Repo,
		client:    client,
		nudger:    opts.Nudger,
		logger:    logger,
		metrics:   opts.Metrics,
		bodyLimit: limit,
	}, nil
}

// MustNewCrawlService constructs a new CrawlService and panics on error.
func MustNewCrawlService(opts CrawlServiceOptions) *CrawlService {
	svc, err := NewCrawlService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create CrawlService: %v", err))
	}
	return svc
}

// Enqueue adds an item to the crawl queue and nudges any idle pollers.
func (s *CrawlService) Enqueue(ctx context.Context, req *model.EnqueueCrawlRequest) (*model.CrawlItem, error) {
	item, err := s.repo.Enqueue(ctx, req)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}

	if s.nudger != nil {
		if nudgeErr := s.nudger.Nudge(ctx); nudgeErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "crawl nudge failed", "error", nudgeErr)
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "crawl item enqueued",
			"item_id", item.ID,
			"destination", item.Destination,
			"max_retries", item.MaxRetries,
		)
	}
	return item, nil
}

// GetItem retrieves a crawl item by ID.
func (s *CrawlService) GetItem(ctx context.Context, id string) (*model.CrawlItem, error) {
	item, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, data.ErrCrawlItemNotFound) {
		return nil, apperrors.NotFoundf("crawl item %s not found", id)
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return item, nil
}

// PollOnce claims and processes at most one pending item. Processing one item
// per invocation keeps each poll cheap and lets concurrent pollers share the
// queue through claim exclusivity rather than coordination.
func (s *CrawlService) PollOnce(ctx context.Context) (*model.PollResult, error) {
	item, err := s.repo.ClaimOldestPending(ctx)
	if errors.Is(err, model.ErrNoCrawlItems) {
		return &model.PollResult{HasMore: false}, nil
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}

	s.processItem(ctx, item)

	hasMore, err := s.repo.HasPending(ctx)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	itemID := item.ID
	return &model.PollResult{ProcessedID: &itemID, HasMore: hasMore}, nil
}

func (s *CrawlService) processItem(ctx context.Context, item *model.CrawlItem) {
	started := time.Now()
	doc, err := s.fetch(ctx, item)
	duration := time.Since(started)

	if err != nil {
		updated, failErr := s.repo.MarkFailedAttempt(ctx, item.ID, err.Error())
		if failErr != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "record crawl failure", "item_id", item.ID, "error", failErr)
			}
			return
		}
		metrics.EmitCrawlAttempt(s.metrics, metrics.CrawlMetric{
			Destination: string(item.Destination),
			Result:      metrics.ResultError,
			RetryCount:  updated.RetryCount,
			Duration:    duration,
			Err:         err,
		})
		if s.logger != nil {
			s.logger.InfoContext(ctx, "crawl attempt failed",
				"item_id", item.ID,
				"retry_count", updated.RetryCount,
				"status", updated.Status,
				"error", err,
			)
		}
		return
	}

	if markErr := s.repo.MarkDone(ctx, item, doc); markErr != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "store crawl result", "item_id", item.ID, "error", markErr)
		}
		if _, failErr := s.repo.MarkFailedAttempt(ctx, item.ID, markErr.Error()); failErr != nil && s.logger != nil {
			s.logger.ErrorContext(ctx, "record crawl store failure", "item_id", item.ID, "error", failErr)
		}
		return
	}

	metrics.EmitCrawlAttempt(s.metrics, metrics.CrawlMetric{
		Destination: string(item.Destination),
		Result:      metrics.ResultSuccess,
		RetryCount:  item.RetryCount,
		Duration:    duration,
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "crawl item done", "item_id", item.ID, "destination", item.Destination)
	}
}

// fetch performs one attempt against the item's target URL under the item's
// retry-indexed timeout.
func (s *CrawlService) fetch(ctx context.Context, item *model.CrawlItem) (*model.CrawlDocument, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, item.AttemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, item.TargetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "renderd-crawler/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.TargetURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", item.TargetURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.bodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	title, text, err := s.extract(item, resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}

	return &model.CrawlDocument{
		ItemID:    item.ID,
		OwnerID:   item.OwnerID,
		TargetURL: item.TargetURL,
		Title:     title,
		Body:      text,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// extract pulls (title, body) out of the response by media type.
func (s *CrawlService) extract(item *model.CrawlItem, contentType string, body []byte) (string, string, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.Contains(mediaType, "json"):
		return extractJSONFields(item.Destination, body)
	case strings.Contains(mediaType, "html") || mediaType == "":
		return extractHTMLFields(body)
	default:
		return "", "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// extractJSONFields resolves the destination's jmespath expressions against
// the decoded payload.
func extractJSONFields(dest model.CrawlDestination, body []byte) (string, string, error) {
	exprs, ok := jsonFieldExpressions[dest]
	if !ok {
		return "", "", fmt.Errorf("no extraction rules for destination %q", dest)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("decode json: %w", err)
	}

	text, err := searchString(exprs.body, payload)
	if err != nil {
		return "", "", err
	}
	if text == "" {
		return "", "", errors.New("json payload has no extractable body")
	}

	title, err := searchString(exprs.title, payload)
	if err != nil {
		return "", "", err
	}
	return title, text, nil
}

func searchString(expr string, payload any) (string, error) {
	result, err := jmespath.Search(expr, payload)
	if err != nil {
		return "", fmt.Errorf("jmespath %q: %w", expr, err)
	}
	if result == nil {
		return "", nil
	}
	str, ok := result.(string)
	if !ok {
		return fmt.Sprintf("%v", result), nil
	}
	return strings.TrimSpace(str), nil
}

// extractHTMLFields parses the document and returns its title plus collapsed
// body text, skipping script and style subtrees.
func extractHTMLFields(body []byte) (string, string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	var (
		title    string
		text     strings.Builder
		visit    func(n *html.Node, inBody bool)
		skipTags = map[string]bool{"script": true, "style": true, "noscript": true}
	)
	visit = func(n *html.Node, inBody bool) {
		switch n.Type {
		case html.ElementNode:
			if skipTags[n.Data] {
				return
			}
			if n.Data == "title" && title == "" {
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
			if n.Data == "body" {
				inBody = true
			}
		case html.TextNode:
			if inBody {
				if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
					if text.Len() > 0 {
						text.WriteByte(' ')
					}
					text.WriteString(trimmed)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c, inBody)
		}
	}
	visit(doc, false)

	extracted := text.String()
	if extracted == "" {
		return "", "", errors.New("html document has no extractable text")
	}
	return title, extracted, nil
}
