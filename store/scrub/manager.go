// Package scrub runs store reconciliation on demand or on a schedule and
// records each run.
package scrub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/store"
	"github.com/wolfeidau/simpledatastore/store/journal"
	"go.opentelemetry.io/otel/metric"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// Config configures the scrub manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1h)
	StartupDelay time.Duration // Delay before first run (default: 1m)
	DryRun       bool          // Report problems without repairing them
	JournalKeep  int           // Runs kept in the journal, 0 keeps all (default: 100)
}

// DefaultConfig returns the default scrub configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 1 * time.Minute,
		JournalKeep:  100,
	}
}

// Result contains the results of a scrub run.
type Result struct {
	RunID     string                 `json:"run_id"`
	Trigger   string                 `json:"trigger"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	DryRun    bool                   `json:"dry_run"`
	Before    simpledatastore.Digest `json:"before"`
	After     simpledatastore.Digest `json:"after"`
	Report    *store.Report          `json:"report,omitempty"`
	Errors    []string               `json:"errors,omitempty"`
}

// Changed reports whether the run found anything to repair.
func (r *Result) Changed() bool {
	return r.Report != nil && r.Report.Changed()
}

// Manager runs reconciliation against a single store. Runs never overlap.
type Manager struct {
	store   *store.Store
	journal *journal.Journal
	config  Config
	metrics *Metrics
	logger  *slog.Logger

	runMu sync.Mutex // serialises runs; the store is single-writer

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithJournal records every run in j.
func WithJournal(j *journal.Journal) ManagerOption {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create scrub metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a new scrub manager.
func New(st *store.Store, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  st,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.Interval <= 0 {
		m.logger.Warn("invalid scrub interval, using default", "interval", m.config.Interval)
		m.config.Interval = DefaultConfig().Interval
	}
	return m
}

// Start starts the background scrub goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the scrub manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate scrub run. The error is that of the
// reconciliation itself; journal failures are only listed in the result.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.runScrub(ctx, TriggerManual)
}

// Status returns the last scrub run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("scrub manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"dry_run", m.config.DryRun,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("scrub manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("scrub manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	_, _ = m.runScrub(ctx, TriggerScheduled)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = m.runScrub(ctx, TriggerScheduled)
		case <-m.stopCh:
			m.logger.Info("scrub manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("scrub manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runScrub(ctx context.Context, trigger string) (*Result, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	result := &Result{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
		DryRun:    m.config.DryRun,
	}
	logger := m.logger.With("run_id", result.RunID, "trigger", trigger)
	logger.Info("starting scrub run", "dry_run", result.DryRun)

	result.Before = m.phaseDigest(ctx, result, "before")
	err := m.phaseReconcile(ctx, result)
	result.After = m.phaseDigest(ctx, result, "after")

	result.Duration = time.Since(result.StartedAt)

	m.phaseJournal(ctx, result)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	attrs := []any{
		"duration", result.Duration,
		"changed", result.Changed(),
		"errors", len(result.Errors),
	}
	if r := result.Report; r != nil {
		attrs = append(attrs,
			"survivors", len(r.Survivors),
			"files_removed", len(r.Removed()),
			"orphan_ids", len(r.OrphanIDs),
			"bytes_reclaimed", r.BytesReclaimed,
		)
	}
	logger.Info("scrub run completed", attrs...)

	return result, err
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if r := result.Report; r != nil {
		m.metrics.recordRemoved(ctx, reasonMalformed, len(r.MalformedFiles))
		m.metrics.recordRemoved(ctx, reasonDuplicate, len(r.DuplicateFiles))
		m.metrics.recordRemoved(ctx, reasonUnindexed, len(r.UnindexedFiles))
		m.metrics.recordRemoved(ctx, reasonCorrupt, len(r.CorruptFiles))
		m.metrics.orphanIDsDropped.Add(ctx, int64(len(r.OrphanIDs)))
		m.metrics.bytesReclaimed.Add(ctx, r.BytesReclaimed)
		m.metrics.survivingObjects.Record(ctx, int64(len(r.Survivors)))
	}

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
