// Package ledger implements the index of live object ids.
//
// The ledger is a single line-oriented file in the store directory holding
// one decimal id per line. It knows nothing about content or hashing; the
// store cross-checks it against the content files during reconciliation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/backend"
)

// FileName is the reserved name of the ledger file.
const FileName = simpledatastore.ReservedPrefix + "ID" + simpledatastore.FileExt

// ErrMalformedEntry is returned when a ledger line is not a decimal integer.
var ErrMalformedEntry = errors.New("malformed ledger entry")

// Ledger is the durable set of currently valid ids.
type Ledger struct {
	backend backend.Backend
}

// Open returns the ledger stored in b, creating an empty ledger file if
// none exists. Existing content is not validated.
func Open(ctx context.Context, b backend.Backend) (*Ledger, error) {
	if err := b.Touch(ctx, FileName); err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}
	return &Ledger{backend: b}, nil
}

// Lines returns the raw ledger lines in file order.
func (l *Ledger) Lines(ctx context.Context) ([]string, error) {
	lines, err := backend.ReadLines(ctx, l.backend, FileName)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return lines, nil
}

// Entries returns every id in file order, duplicates included.
// A line that does not parse fails with ErrMalformedEntry.
func (l *Ledger) Entries(ctx context.Context) ([]int64, error) {
	lines, err := l.Lines(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(lines))
	for i, line := range lines {
		id, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformedEntry, i+1, line)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IDs returns the distinct ids held by the ledger, sorted ascending.
func (l *Ledger) IDs(ctx context.Context) ([]int64, error) {
	ids, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Has reports whether id is present.
func (l *Ledger) Has(ctx context.Context, id int64) (bool, error) {
	ids, err := l.Entries(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// Add appends id. It fails with ErrDuplicateID if id is already present.
func (l *Ledger) Add(ctx context.Context, id int64) error {
	ok, err := l.Has(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("ledger id %d: %w", id, simpledatastore.ErrDuplicateID)
	}

	line := []string{strconv.FormatInt(id, 10)}
	if err := backend.AppendLines(ctx, l.backend, FileName, line); err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("appending to ledger: %w", err)
		}
		// Ledger file vanished underneath us; recreate it with this entry.
		if err := backend.WriteLines(ctx, l.backend, FileName, line); err != nil {
			return fmt.Errorf("writing ledger: %w", err)
		}
	}
	return nil
}

// Remove deletes every occurrence of id by rewriting the ledger file.
// It fails with ErrIDNotFound if id is absent.
func (l *Ledger) Remove(ctx context.Context, id int64) error {
	ids, err := l.Entries(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, id) {
		return fmt.Errorf("ledger id %d: %w", id, simpledatastore.ErrIDNotFound)
	}

	kept := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			kept = append(kept, strconv.FormatInt(v, 10))
		}
	}
	if err := backend.WriteLines(ctx, l.backend, FileName, kept); err != nil {
		return fmt.Errorf("rewriting ledger: %w", err)
	}
	return nil
}

// Purge truncates the ledger to empty. It is a reconciliation primitive.
func (l *Ledger) Purge(ctx context.Context) error {
	if err := backend.WriteLines(ctx, l.backend, FileName, nil); err != nil {
		return fmt.Errorf("purging ledger: %w", err)
	}
	return nil
}

// Audit is the read-only half of CheckIntegrity.
type Audit struct {
	// Survivors are the ids that occur exactly once, in first-seen order.
	Survivors []int64 `json:"survivors"`
	// Duplicates are the ids that occur more than once, sorted.
	Duplicates []int64 `json:"duplicates,omitempty"`
	// Malformed are the lines that could not be parsed.
	Malformed []string `json:"malformed,omitempty"`
}

// Clean reports whether the ledger needs no repair.
func (a *Audit) Clean() bool {
	return len(a.Duplicates) == 0 && len(a.Malformed) == 0
}

// Audit inspects the ledger without modifying it.
func (l *Ledger) Audit(ctx context.Context) (*Audit, error) {
	lines, err := l.Lines(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]int, len(lines))
	var order []int64
	audit := &Audit{}
	for _, line := range lines {
		id, err := parseEntry(line)
		if err != nil {
			audit.Malformed = append(audit.Malformed, line)
			continue
		}
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id]++
	}

	for _, id := range order {
		if counts[id] == 1 {
			audit.Survivors = append(audit.Survivors, id)
		} else {
			audit.Duplicates = append(audit.Duplicates, id)
		}
	}
	slices.Sort(audit.Duplicates)
	return audit, nil
}

// CheckIntegrity removes every id that occurs more than once, along with
// any malformed lines. A duplicated id is discarded entirely rather than
// collapsed to one entry. Survivors are re-added through Add.
func (l *Ledger) CheckIntegrity(ctx context.Context) (*Audit, error) {
	audit, err := l.Audit(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.Rebuild(ctx, audit.Survivors); err != nil {
		return nil, err
	}
	return audit, nil
}

// Rebuild purges the ledger and adds ids in order.
func (l *Ledger) Rebuild(ctx context.Context, ids []int64) error {
	if err := l.Purge(ctx); err != nil {
		return err
	}
	for _, id := range ids {
		if err := l.Add(ctx, id); err != nil {
			return fmt.Errorf("rebuilding ledger: %w", err)
		}
	}
	return nil
}

func parseEntry(line string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(line), 10, 64)
}
