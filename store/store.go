// Package store implements the content store: one directory of
// content-addressed object files plus the ledger of live ids.
//
// Every mutating operation updates the ledger first and the content files
// second. Reads use the ledger as the authoritative id set and the files for
// content. A crash between the two steps leaves the store inconsistent until
// Reconcile is run.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/backend"
	"github.com/wolfeidau/simpledatastore/ledger"
	"github.com/wolfeidau/simpledatastore/telemetry"
)

// Store is a handle on one store directory. It is the sole mutator of that
// directory for its lifetime and is not safe for concurrent use.
type Store struct {
	backend backend.Backend
	ledger  *ledger.Ledger
	root    string
	logger  *slog.Logger
}

// Option configures a Store instance.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithInstrumentation wraps the backend so every call records metrics
// under the given backend name.
func WithInstrumentation(name string) Option {
	return func(s *Store) {
		s.backend = backend.NewInstrumentedBackend(s.backend, name)
	}
}

// Open opens the store held by b, creating the ledger if absent.
func Open(ctx context.Context, b backend.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: b,
		root:    rootOf(b),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	l, err := ledger.Open(ctx, s.backend)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	s.ledger = l
	return s, nil
}

// OpenDir opens the store in dir on the local filesystem, creating the
// directory and the ledger if absent.
func OpenDir(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	return Open(ctx, fs, opts...)
}

// Root returns the store directory, or "" if the backend has none.
func (s *Store) Root() string {
	return s.root
}

// Ledger returns the store's ledger.
func (s *Store) Ledger() *ledger.Ledger {
	return s.ledger
}

// Hash returns the content hash of lines as lowercase hex.
func Hash(lines []string) string {
	return simpledatastore.HashLines(lines).String()
}

// Destroy removes the whole store directory, ledger included.
// The handle must not be used afterwards.
func (s *Store) Destroy(ctx context.Context) (err error) {
	ctx, done := s.observe(ctx, telemetry.OpDestroy)
	defer func() { done(err) }()

	if err := s.backend.RemoveAll(ctx); err != nil {
		return fmt.Errorf("removing store: %w", err)
	}
	s.logger.Debug("store destroyed", "root", s.root)
	return nil
}

// ListIDs returns the ids in the store, sorted ascending.
//
// The ledger and the content files are read independently. Unless they hold
// exactly the same ids, each once, the result is an *InconsistentError and
// Reconcile must run before the listing can be trusted.
func (s *Store) ListIDs(ctx context.Context) (ids []int64, err error) {
	ctx, done := s.observe(ctx, telemetry.OpList)
	defer func() { done(err) }()

	return s.listIDs(ctx)
}

func (s *Store) listIDs(ctx context.Context) ([]int64, error) {
	entries, err := s.ledger.Entries(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrMalformedEntry) {
			return nil, fmt.Errorf("%w: %w", simpledatastore.ErrInconsistentState, err)
		}
		return nil, err
	}

	descs, malformed, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		return nil, fmt.Errorf("%w: %q", simpledatastore.ErrMalformedName, malformed[0])
	}

	fileIDs := make([]int64, 0, len(descs))
	for _, d := range descs {
		fileIDs = append(fileIDs, d.ID)
	}

	slices.Sort(entries)
	slices.Sort(fileIDs)
	if !slices.Equal(entries, fileIDs) || hasAdjacentDuplicate(entries) {
		return nil, &simpledatastore.InconsistentError{LedgerIDs: entries, FileIDs: fileIDs}
	}
	return entries, nil
}

// Add stores a new object. It fails with ErrDuplicateID if id is already
// in the store.
//
// The ledger entry is written before the content file.
func (s *Store) Add(ctx context.Context, id int64, lines []string) (err error) {
	ctx, done := s.observe(ctx, telemetry.OpAdd)
	defer func() { done(err) }()

	if id < 0 {
		return fmt.Errorf("object %d: %w", id, simpledatastore.ErrInvalidID)
	}
	if err := checkLines(id, lines); err != nil {
		return err
	}

	ids, err := s.listIDs(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return fmt.Errorf("object %d: %w", id, simpledatastore.ErrDuplicateID)
	}

	if err := s.ledger.Add(ctx, id); err != nil {
		return err
	}

	name := simpledatastore.FileName(id, Hash(lines))
	if err := backend.WriteLines(ctx, s.backend, name, lines); err != nil {
		return fmt.Errorf("writing object %d: %w", id, err)
	}

	telemetry.RecordObjectWrite(ctx, telemetry.OpAdd, len(lines))
	s.logger.Debug("object added", "id", id, "file", name)
	return nil
}

// Delete removes an object. It fails with ErrNotFound if id is not in the
// store.
func (s *Store) Delete(ctx context.Context, id int64) (err error) {
	ctx, done := s.observe(ctx, telemetry.OpDelete)
	defer func() { done(err) }()

	ids, err := s.listIDs(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(ids, id) {
		return fmt.Errorf("object %d: %w", id, simpledatastore.ErrNotFound)
	}

	if err := s.ledger.Remove(ctx, id); err != nil {
		return err
	}

	d, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, d.Name()); err != nil {
		return fmt.Errorf("deleting object %d: %w", id, err)
	}

	s.logger.Debug("object deleted", "id", id, "file", d.Name())
	return nil
}

// Read returns the lines of an object. The content file is authoritative:
// the ledger is not consulted.
func (s *Store) Read(ctx context.Context, id int64) (lines []string, err error) {
	ctx, done := s.observe(ctx, telemetry.OpRead)
	defer func() { done(err) }()

	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.readLines(ctx, d)
}

// Write replaces the content of an existing object and renames its file to
// match the new content hash. The ledger is not consulted.
func (s *Store) Write(ctx context.Context, id int64, lines []string) (err error) {
	ctx, done := s.observe(ctx, telemetry.OpWrite)
	defer func() { done(err) }()

	if err := checkLines(id, lines); err != nil {
		return err
	}

	d, err := s.find(ctx, id)
	if err != nil {
		return err
	}

	if err := backend.WriteLines(ctx, s.backend, d.Name(), lines); err != nil {
		return fmt.Errorf("writing object %d: %w", id, err)
	}
	if err := s.rehash(ctx, d, lines); err != nil {
		return err
	}

	telemetry.RecordObjectWrite(ctx, telemetry.OpWrite, len(lines))
	return nil
}

// Append adds lines to the end of an existing object and renames its file
// to match the hash of the full resulting content.
func (s *Store) Append(ctx context.Context, id int64, lines []string) (err error) {
	ctx, done := s.observe(ctx, telemetry.OpAppend)
	defer func() { done(err) }()

	if err := checkLines(id, lines); err != nil {
		return err
	}

	d, err := s.find(ctx, id)
	if err != nil {
		return err
	}

	if err := backend.AppendLines(ctx, s.backend, d.Name(), lines); err != nil {
		return fmt.Errorf("appending to object %d: %w", id, err)
	}

	full, err := s.readLines(ctx, d)
	if err != nil {
		return err
	}
	if err := s.rehash(ctx, d, full); err != nil {
		return err
	}

	telemetry.RecordObjectWrite(ctx, telemetry.OpAppend, len(full))
	return nil
}

// Lookup returns the descriptor of the file holding id.
func (s *Store) Lookup(ctx context.Context, id int64) (d simpledatastore.Descriptor, err error) {
	ctx, done := s.observe(ctx, telemetry.OpLookup)
	defer func() { done(err) }()

	return s.find(ctx, id)
}

// Digest fingerprints the current ledger and content file names.
func (s *Store) Digest(ctx context.Context) (d simpledatastore.Digest, err error) {
	ctx, done := s.observe(ctx, telemetry.OpDigest)
	defer func() { done(err) }()

	lines, err := s.ledger.Lines(ctx)
	if err != nil {
		return simpledatastore.Digest{}, err
	}
	names, err := s.contentNames(ctx)
	if err != nil {
		return simpledatastore.Digest{}, err
	}
	return simpledatastore.StateDigest(lines, names), nil
}

// rehash renames d to the name matching lines, if it differs.
func (s *Store) rehash(ctx context.Context, d simpledatastore.Descriptor, lines []string) error {
	next := simpledatastore.EncodeFilename(s.root, d.ID, Hash(lines))
	if next.Name() == d.Name() {
		return nil
	}
	if err := s.backend.Rename(ctx, d.Name(), next.Name()); err != nil {
		return fmt.Errorf("renaming object %d: %w", d.ID, err)
	}
	s.logger.Debug("object rehashed", "id", d.ID, "from", d.Hash, "to", next.Hash)
	return nil
}

func (s *Store) readLines(ctx context.Context, d simpledatastore.Descriptor) ([]string, error) {
	lines, err := backend.ReadLines(ctx, s.backend, d.Name())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("object %d: %w", d.ID, simpledatastore.ErrNotFound)
		}
		return nil, fmt.Errorf("reading object %d: %w", d.ID, err)
	}
	return lines, nil
}

// find returns the first content file whose decoded id equals id.
func (s *Store) find(ctx context.Context, id int64) (simpledatastore.Descriptor, error) {
	descs, _, err := s.scan(ctx)
	if err != nil {
		return simpledatastore.Descriptor{}, err
	}
	for _, d := range descs {
		if d.ID == id {
			return d, nil
		}
	}
	return simpledatastore.Descriptor{}, fmt.Errorf("object %d: %w", id, simpledatastore.ErrNotFound)
}

// scan decodes every content file in the store directory. Names that do not
// decode are returned separately. Descriptors keep the name found on disk,
// which may differ from FileName(id, hash), e.g. "05_<hash>.dat".
func (s *Store) scan(ctx context.Context) ([]simpledatastore.Descriptor, []string, error) {
	names, err := s.contentNames(ctx)
	if err != nil {
		return nil, nil, err
	}

	descs := make([]simpledatastore.Descriptor, 0, len(names))
	var malformed []string
	for _, name := range names {
		id, hash, err := simpledatastore.ParseFilename(name)
		if err != nil {
			malformed = append(malformed, name)
			continue
		}
		descs = append(descs, simpledatastore.Descriptor{
			Path: filepath.Join(s.root, name),
			ID:   id,
			Hash: hash,
		})
	}
	return descs, malformed, nil
}

// contentNames lists the store directory without reserved files.
func (s *Store) contentNames(ctx context.Context) ([]string, error) {
	names, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing store: %w", err)
	}
	out := names[:0]
	for _, name := range names {
		if !simpledatastore.IsReserved(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Store) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx = telemetry.WithOperation(ctx, op)
	return ctx, func(err error) {
		telemetry.RecordStoreOp(ctx, op, outcome(err), time.Since(start))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, simpledatastore.ErrNotFound), errors.Is(err, simpledatastore.ErrIDNotFound):
		return "not_found"
	case errors.Is(err, simpledatastore.ErrDuplicateID):
		return "duplicate"
	case errors.Is(err, simpledatastore.ErrInconsistentState):
		return "inconsistent"
	case errors.Is(err, simpledatastore.ErrMalformedName):
		return "malformed"
	default:
		return "error"
	}
}

// checkLines rejects lines that would not read back unchanged: a line
// break splits a line and a trailing carriage return is stripped on read.
func checkLines(id int64, lines []string) error {
	for i, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("object %d line %d: %w", id, i+1, simpledatastore.ErrInvalidLine)
		}
	}
	return nil
}

func hasAdjacentDuplicate(sorted []int64) bool {
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return true
		}
	}
	return false
}

// rootOf returns the directory behind b, unwrapping instrumentation.
func rootOf(b backend.Backend) string {
	for {
		switch v := b.(type) {
		case interface{ Root() string }:
			return v.Root()
		case interface{ Unwrap() backend.Backend }:
			b = v.Unwrap()
		default:
			return ""
		}
	}
}
