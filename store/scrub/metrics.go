package scrub

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Removal reasons, used as the "reason" attribute on removed file counts.
const (
	reasonMalformed = "malformed"
	reasonDuplicate = "duplicate"
	reasonUnindexed = "unindexed"
	reasonCorrupt   = "corrupt"
)

// Metrics holds scrub-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	filesRemoved     metric.Int64Counter
	orphanIDsDropped metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	survivingObjects metric.Int64Gauge
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"simpledatastore_scrub_runs_total",
		metric.WithDescription("Total number of scrub runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"simpledatastore_scrub_run_duration_seconds",
		metric.WithDescription("Scrub run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	filesRemoved, err := meter.Int64Counter(
		"simpledatastore_scrub_files_removed_total",
		metric.WithDescription("Total number of content files removed by reconciliation"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	orphanIDsDropped, err := meter.Int64Counter(
		"simpledatastore_scrub_orphan_ids_dropped_total",
		metric.WithDescription("Total number of ledger ids dropped for lack of a content file"),
		metric.WithUnit("{id}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"simpledatastore_scrub_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by scrub"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"simpledatastore_scrub_errors_total",
		metric.WithDescription("Total number of scrub errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	survivingObjects, err := meter.Int64Gauge(
		"simpledatastore_scrub_surviving_objects",
		metric.WithDescription("Objects left in the store after the last scrub run"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"simpledatastore_scrub_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last scrub run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"simpledatastore_scrub_last_run_success",
		metric.WithDescription("Whether last scrub run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		filesRemoved:     filesRemoved,
		orphanIDsDropped: orphanIDsDropped,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		survivingObjects: survivingObjects,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}

func (m *Metrics) recordRemoved(ctx context.Context, reason string, n int) {
	if n == 0 {
		return
	}
	m.filesRemoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
