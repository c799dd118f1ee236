package notify

import (
	"context"
	"errors"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert kinds emitted by the renderer lifecycle and reaper.
const (
	KindKillFailed    = "kill_failed"
	KindRenderTimeout = "render_timeout"
	KindOrphanedJob   = "orphaned_job"
)

// OperatorAlert captures the canonical data we emit when a condition needs a
// human. KindKillFailed in particular means a renderer process tree survived
// two kill attempts and must be cleaned up by hand.
type OperatorAlert struct {
	Kind       string
	JobID      string
	OwnerID    string
	Message    string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming operator alerts.
type Sink interface {
	SendOperatorAlert(ctx context.Context, alert OperatorAlert) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, alert OperatorAlert) error

// SendOperatorAlert implements the Sink interface.
func (f SinkFunc) SendOperatorAlert(ctx context.Context, alert OperatorAlert) error {
	if f == nil {
		return nil
	}
	return f(ctx, alert)
}

// MultiSink fans one alert out to every configured sink. Delivery failures
// are joined, not short-circuited; one broken webhook must not silence the rest.
type MultiSink []Sink

// SendOperatorAlert implements the Sink interface.
func (m MultiSink) SendOperatorAlert(ctx context.Context, alert OperatorAlert) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.SendOperatorAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
