package scrub

import (
	"context"
	"fmt"

	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/store/journal"
)

// phaseDigest fingerprints the store. Failures are recorded and yield a
// zero digest.
func (m *Manager) phaseDigest(ctx context.Context, result *Result, label string) simpledatastore.Digest {
	m.logger.Debug("phase: digest", "label", label)

	d, err := m.store.Digest(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("digest %s: %v", label, err))
		m.logger.Error("failed to digest store", "label", label, "error", err)
		return simpledatastore.Digest{}
	}
	return d
}

// phaseReconcile runs reconciliation, or the read-only check in dry-run mode.
func (m *Manager) phaseReconcile(ctx context.Context, result *Result) error {
	m.logger.Debug("phase: reconcile", "dry_run", result.DryRun)

	run := m.store.Reconcile
	if result.DryRun {
		run = m.store.Check
	}

	report, err := run(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reconcile: %v", err))
		m.logger.Error("reconciliation failed", "error", err)
		return err
	}
	result.Report = report

	for _, name := range report.Removed() {
		m.logger.Debug("file removed", "file", name, "dry_run", result.DryRun)
	}
	return nil
}

// phaseJournal records the run and prunes old runs.
func (m *Manager) phaseJournal(ctx context.Context, result *Result) {
	if m.journal == nil {
		return
	}
	m.logger.Debug("phase: journal")

	entry := &journal.Entry{
		RunID:     result.RunID,
		Trigger:   result.Trigger,
		StartedAt: result.StartedAt,
		Duration:  result.Duration,
		Before:    result.Before,
		After:     result.After,
		Report:    result.Report,
	}
	if len(result.Errors) > 0 {
		entry.Error = result.Errors[0]
	}

	if err := m.journal.Append(ctx, entry); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("journal append: %v", err))
		m.logger.Error("failed to record scrub run", "error", err)
		return
	}

	if m.config.JournalKeep <= 0 {
		return
	}
	if _, err := m.journal.Prune(ctx, m.config.JournalKeep); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("journal prune: %v", err))
		m.logger.Error("failed to prune journal", "error", err)
	}
}
