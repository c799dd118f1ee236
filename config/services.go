package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeOrchestrator runs the render job orchestrator.
	ServiceModeOrchestrator ServiceMode = "orchestrator"
	// ServiceModeCrawlWorker runs the crawl queue poller.
	ServiceModeCrawlWorker ServiceMode = "crawl-worker"
	// ServiceModeReaper runs the cleanup reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeOrchestrator,
		ServiceModeCrawlWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeOrchestrator, ServiceModeCrawlWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: orchestrator, crawl-worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// CrawlerConfig contains crawl worker configuration.
type CrawlerConfig struct {
	// Interval is the poll tick interval when no nudges arrive.
	Interval time.Duration `env:"CRAWLER_INTERVAL" envDefault:"15s"`

	// BodyLimit caps how many bytes of an upstream response are read.
	BodyLimit int64 `env:"CRAWLER_BODY_LIMIT" envDefault:"4194304"`

	// DrainBurst is how many consecutive items one tick may process while the
	// queue reports more pending work.
	DrainBurst int `env:"CRAWLER_DRAIN_BURST" envDefault:"10"`
}

// Sanitize applies guardrails to crawler configuration values.
func (c *CrawlerConfig) Sanitize() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = 4 << 20
	}
	if c.DrainBurst < 1 {
		c.DrainBurst = 1
	}
}

// ReaperConfig contains cleanup reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// OrphanGrace is how long a processing job may lack a supervised process
	// before the reaper fails it. Covers the window between MarkProcessing and
	// the spawn registering a handle.
	OrphanGrace time.Duration `env:"REAPER_ORPHAN_GRACE" envDefault:"2m"`

	// CompletedMaxAge is the retention window for completed jobs.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"720h"`

	// FailedMaxAge is the retention window for failed jobs.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"`

	// CancelledMaxAge is the retention window for cancelled jobs.
	CancelledMaxAge time.Duration `env:"REAPER_CANCELLED_MAX_AGE" envDefault:"168h"`

	// BatchSize bounds each delete pass.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval <= 0 {
		r.Interval = time.Minute
	}
	if r.OrphanGrace <= 0 {
		r.OrphanGrace = 2 * time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
}
