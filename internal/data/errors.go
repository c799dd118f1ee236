package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a render job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrCrawlItemNotFound is returned when a crawl queue item is not found.
	ErrCrawlItemNotFound = errors.New("crawl item not found")
)
