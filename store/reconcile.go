package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/backend"
	"github.com/wolfeidau/simpledatastore/ledger"
	"github.com/wolfeidau/simpledatastore/telemetry"
)

// Report describes what a reconciliation pass found and, unless DryRun is
// set, what it removed.
type Report struct {
	DryRun bool `json:"dry_run"`

	// Ledger is the result of the ledger's own duplicate pass.
	Ledger *ledger.Audit `json:"ledger"`

	// MalformedFiles have names that do not decode to an id and hash.
	MalformedFiles []string `json:"malformed_files,omitempty"`
	// DuplicateFiles share an id with at least one other file.
	DuplicateFiles []string `json:"duplicate_files,omitempty"`
	// UnindexedFiles carry an id the ledger does not hold.
	UnindexedFiles []string `json:"unindexed_files,omitempty"`
	// CorruptFiles have content that does not match their embedded hash.
	CorruptFiles []string `json:"corrupt_files,omitempty"`

	// OrphanIDs are ledger ids left without a surviving file.
	OrphanIDs []int64 `json:"orphan_ids,omitempty"`
	// Survivors are the ids of the files that passed every check, in the
	// order the final ledger holds them.
	Survivors []int64 `json:"survivors"`

	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

// Removed returns every file the pass deleted (or would delete).
func (r *Report) Removed() []string {
	out := make([]string, 0, len(r.MalformedFiles)+len(r.DuplicateFiles)+len(r.UnindexedFiles)+len(r.CorruptFiles))
	out = append(out, r.MalformedFiles...)
	out = append(out, r.DuplicateFiles...)
	out = append(out, r.UnindexedFiles...)
	out = append(out, r.CorruptFiles...)
	return out
}

// Changed reports whether the pass modified (or would modify) the store.
func (r *Report) Changed() bool {
	if r.Ledger != nil && !r.Ledger.Clean() {
		return true
	}
	return len(r.Removed()) > 0 || len(r.OrphanIDs) > 0
}

// Reconcile restores agreement between the ledger, the content files and
// the hash embedded in each file name. Conditions it repairs are reported,
// never returned as errors. Running it twice in a row changes nothing the
// second time.
func (s *Store) Reconcile(ctx context.Context) (*Report, error) {
	return s.reconcile(ctx, false)
}

// Check runs the same analysis as Reconcile without modifying anything.
func (s *Store) Check(ctx context.Context) (*Report, error) {
	return s.reconcile(ctx, true)
}

func (s *Store) reconcile(ctx context.Context, dryRun bool) (report *Report, err error) {
	op := telemetry.OpReconcile
	if dryRun {
		op = telemetry.OpCheck
	}
	ctx, done := s.observe(ctx, op)
	defer func() { done(err) }()

	report = &Report{DryRun: dryRun}

	// Ledger self-repair.
	var audit *ledger.Audit
	if dryRun {
		audit, err = s.ledger.Audit(ctx)
	} else {
		audit, err = s.ledger.CheckIntegrity(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("checking ledger: %w", err)
	}
	report.Ledger = audit

	descs, malformed, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range malformed {
		if err := s.discard(ctx, name, report); err != nil {
			return nil, err
		}
	}
	report.MalformedFiles = malformed

	// Any id carried by more than one file loses all of them.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[int64]int, len(descs))
	for _, d := range descs {
		counts[d.ID]++
	}
	unique := descs[:0:0]
	for _, d := range descs {
		if counts[d.ID] > 1 {
			if err := s.discard(ctx, d.Name(), report); err != nil {
				return nil, err
			}
			report.DuplicateFiles = append(report.DuplicateFiles, d.Name())
			continue
		}
		unique = append(unique, d)
	}

	// The ledger decides which files may exist.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	indexed := unique[:0:0]
	for _, d := range unique {
		if !slices.Contains(audit.Survivors, d.ID) {
			if err := s.discard(ctx, d.Name(), report); err != nil {
				return nil, err
			}
			report.UnindexedFiles = append(report.UnindexedFiles, d.Name())
			continue
		}
		indexed = append(indexed, d)
	}

	// Content must match the hash in the name.
	var survivors []int64
	for _, d := range indexed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := s.verify(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.discard(ctx, d.Name(), report); err != nil {
				return nil, err
			}
			report.CorruptFiles = append(report.CorruptFiles, d.Name())
			continue
		}
		survivors = append(survivors, d.ID)
	}

	for _, id := range audit.Survivors {
		if !slices.Contains(survivors, id) {
			report.OrphanIDs = append(report.OrphanIDs, id)
		}
	}
	report.Survivors = survivors

	if !dryRun {
		if err := s.ledger.Rebuild(ctx, survivors); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("reconciliation finished",
		"dry_run", dryRun,
		"survivors", len(survivors),
		"removed", len(report.Removed()),
		"orphan_ids", len(report.OrphanIDs),
		"ledger_duplicates", len(audit.Duplicates),
		"ledger_malformed", len(audit.Malformed),
		"bytes_reclaimed", report.BytesReclaimed,
	)
	return report, nil
}

// verify reports whether the content of d hashes to the hash in its name.
// A file that vanished since the scan counts as failed.
func (s *Store) verify(ctx context.Context, d simpledatastore.Descriptor) (bool, error) {
	lines, err := backend.ReadLines(ctx, s.backend, d.Name())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("verifying %s: %w", d.Name(), err)
	}
	return Hash(lines) == d.Hash, nil
}

// discard deletes a content file unless the report is a dry run.
func (s *Store) discard(ctx context.Context, name string, report *Report) error {
	if sb, ok := s.backend.(backend.SizeAwareBackend); ok {
		if size, err := sb.Size(ctx, name); err == nil {
			report.BytesReclaimed += size
		}
	}

	if report.DryRun {
		s.logger.Debug("would remove file", "file", name)
		return nil
	}
	if err := s.backend.Delete(ctx, name); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	s.logger.Debug("removed file", "file", name)
	return nil
}
