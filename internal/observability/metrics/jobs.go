package metrics

import (
	"time"

	obserrors "github.com/mixdown/renderd/internal/observability/errors"
	"github.com/mixdown/renderd/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a render job lifecycle event.
type JobMetric struct {
	Status   string
	Layout   string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitJobResolution emits standardised metrics for a terminal job transition.
// Duration is wall time from processing start to resolution when known.
func EmitJobResolution(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"status": in.Status,
		"layout": in.Layout,
		"result": in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.resolved", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.render_duration", in.Duration, CloneTags(tags))
	}
}

// EmitAdmission emits one admission attempt outcome (admitted or denied).
func EmitAdmission(sink statsd.Sink, admitted bool, cost int) {
	if sink == nil {
		return
	}
	result := "admitted"
	if !admitted {
		result = "denied"
	}
	sink.Count("job.admission", 1, map[string]string{"result": result})
	if admitted {
		sink.Count("credits.debited", int64(cost), nil)
	}
}

// EmitRefund emits one refund with its credit amount.
func EmitRefund(sink statsd.Sink, amount int, reasonStatus string) {
	if sink == nil {
		return
	}
	sink.Count("credits.refunded", int64(amount), map[string]string{"status": reasonStatus})
}

// CrawlMetric captures one crawl attempt outcome.
type CrawlMetric struct {
	Destination string
	Result      string
	RetryCount  int
	Duration    time.Duration
	Err         error
}

// EmitCrawlAttempt emits standardised crawl attempt metrics.
func EmitCrawlAttempt(sink statsd.Sink, in CrawlMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"destination": in.Destination,
		"result":      in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("crawl.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("crawl.fetch_duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
