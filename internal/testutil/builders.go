package testutil

import (
	"encoding/json"

	"github.com/mixdown/renderd/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			OwnerID:      "owner-1",
			SourceLayout: model.LayoutUpload,
			Spec:         json.RawMessage(`{"format": "mp4", "resolution": "1920x1080"}`),
			Cost:         10,
			WorkDir:      "/tmp/renderd-test/work",
		},
	}
}

// WithID sets an explicit job ID.
func (b *JobRequestBuilder) WithID(id string) *JobRequestBuilder {
	b.req.ID = id
	return b
}

// WithOwner sets the owning account.
func (b *JobRequestBuilder) WithOwner(ownerID string) *JobRequestBuilder {
	b.req.OwnerID = ownerID
	return b
}

// WithLayout sets the source layout, valid or not.
func (b *JobRequestBuilder) WithLayout(layout model.SourceLayout) *JobRequestBuilder {
	b.req.SourceLayout = layout
	return b
}

// WithSpec sets the render spec payload.
func (b *JobRequestBuilder) WithSpec(spec json.RawMessage) *JobRequestBuilder {
	b.req.Spec = spec
	return b
}

// WithSpecString sets the render spec payload from a string.
func (b *JobRequestBuilder) WithSpecString(spec string) *JobRequestBuilder {
	b.req.Spec = json.RawMessage(spec)
	return b
}

// WithWorkDir sets the job's working directory.
func (b *JobRequestBuilder) WithWorkDir(dir string) *JobRequestBuilder {
	b.req.WorkDir = dir
	return b
}

// WithCost sets the credit cost.
func (b *JobRequestBuilder) WithCost(cost int) *JobRequestBuilder {
	b.req.Cost = cost
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// CrawlRequestBuilder provides a fluent interface for building EnqueueCrawlRequest objects.
type CrawlRequestBuilder struct {
	req *model.EnqueueCrawlRequest
}

// NewCrawlRequest creates a new CrawlRequestBuilder with sensible defaults.
func NewCrawlRequest() *CrawlRequestBuilder {
	return &CrawlRequestBuilder{
		req: &model.EnqueueCrawlRequest{
			OwnerID:     "owner-1",
			SourceURL:   "https://music.example.com/track/42",
			TargetURL:   "https://lyrics.example.com/song/42",
			Destination: model.DestinationLyrics,
		},
	}
}

// WithOwner sets the owning account.
func (b *CrawlRequestBuilder) WithOwner(ownerID string) *CrawlRequestBuilder {
	b.req.OwnerID = ownerID
	return b
}

// WithSourceURL sets the originating track or album URL.
func (b *CrawlRequestBuilder) WithSourceURL(url string) *CrawlRequestBuilder {
	b.req.SourceURL = url
	return b
}

// WithURL sets the target URL.
func (b *CrawlRequestBuilder) WithURL(url string) *CrawlRequestBuilder {
	b.req.TargetURL = url
	return b
}

// WithDestination sets the fetch destination.
func (b *CrawlRequestBuilder) WithDestination(dest model.CrawlDestination) *CrawlRequestBuilder {
	b.req.Destination = dest
	return b
}

// WithMaxRetries sets the retry ceiling.
func (b *CrawlRequestBuilder) WithMaxRetries(maxRetries int) *CrawlRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// Build returns the constructed EnqueueCrawlRequest.
func (b *CrawlRequestBuilder) Build() *model.EnqueueCrawlRequest {
	return b.req
}
