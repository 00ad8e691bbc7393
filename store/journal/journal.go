// Package journal records reconciliation runs in a bbolt database kept
// alongside the store.
//
// The journal is bookkeeping only. Nothing in the store reads it back, so a
// missing or deleted journal never affects the data it describes.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/store"
	"go.etcd.io/bbolt"
)

// DefaultFileName is the journal's name inside a store directory. The
// reserved prefix keeps it out of content scans.
const DefaultFileName = simpledatastore.ReservedPrefix + "journal.db"

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("journal: not found")

var (
	bucketRuns     = []byte("runs")      // timestamp|run_id -> encoded Entry
	bucketRunIndex = []byte("run_index") // run_id -> timestamp|run_id
)

// Entry is one recorded run.
type Entry struct {
	RunID     string                 `json:"run_id"`
	Trigger   string                 `json:"trigger"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
	Before    simpledatastore.Digest `json:"before"`
	After     simpledatastore.Digest `json:"after"`
	Report    *store.Report          `json:"report,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Journal is an append-only log of runs, newest last.
type Journal struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Journal instance.
type Option func(*Journal)

// WithLogger sets the logger for the journal.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketRunIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.codec = c

	j.logger.Debug("opened journal", "path", path, "noSync", j.noSync)
	return j, nil
}

// Close closes the database and releases resources.
func (j *Journal) Close() error {
	if j.codec != nil {
		j.codec.Close()
		j.codec = nil
	}
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Append records e. A missing RunID or StartedAt is filled in.
func (j *Journal) Append(_ context.Context, e *Entry) error {
	if e.RunID == "" {
		e.RunID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = j.now()
	}
	e.StartedAt = e.StartedAt.UTC()

	value, err := j.codec.Encode(e)
	if err != nil {
		return err
	}
	key := makeRunKey(e.StartedAt, e.RunID)

	return j.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketRunIndex)
		if idx.Get([]byte(e.RunID)) != nil {
			return fmt.Errorf("run %s already recorded", e.RunID)
		}
		if err := tx.Bucket(bucketRuns).Put(key, value); err != nil {
			return fmt.Errorf("putting run: %w", err)
		}
		return idx.Put([]byte(e.RunID), key)
	})
}

// Get returns the run with the given id.
func (j *Journal) Get(_ context.Context, runID string) (*Entry, error) {
	var value []byte
	err := j.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketRunIndex).Get([]byte(runID))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketRuns).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j.codec.Decode(value)
}

// List returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (j *Journal) List(_ context.Context, limit int) ([]*Entry, error) {
	var values [][]byte
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(values) >= limit {
				break
			}
			values = append(values, bytes.Clone(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(values))
	for _, v := range values {
		e, err := j.codec.Decode(v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of recorded runs.
func (j *Journal) Len(_ context.Context) (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes all but the newest keep runs and returns how many were
// deleted.
func (j *Journal) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var deleted int
	err := j.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		idx := tx.Bucket(bucketRunIndex)

		var stale [][]byte
		seen := 0
		c := runs.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, bytes.Clone(k))
			}
		}

		for _, k := range stale {
			if err := runs.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete(runIDFromKey(k)); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}

	if deleted > 0 {
		j.logger.Debug("pruned journal", "deleted", deleted, "kept", keep)
	}
	return deleted, nil
}

// makeRunKey creates a key for the runs bucket.
// Format: [8-byte timestamp][run id]
func makeRunKey(t time.Time, runID string) []byte {
	key := make([]byte, 8+len(runID))
	copy(key, encodeTimestamp(t))
	copy(key[8:], runID)
	return key
}

func runIDFromKey(key []byte) []byte {
	if len(key) < 8 {
		return nil
	}
	return key[8:]
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// that sorts in time order, pre-1970 included.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}
