package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/ledger"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	s, err := OpenDir(context.Background(), dir)
	require.NoError(t, err)
	return s, dir
}

// placeFile writes a file directly into the store directory, bypassing the store.
func placeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))
}

func appendLedger(t *testing.T, dir string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, ledger.FileName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func readLedger(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ledger.FileName))
	require.NoError(t, err)
	return string(data)
}

// dirNames lists every file in dir, reserved files included, sorted.
func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestOpenDirCreatesStore(t *testing.T) {
	s, dir := newTestStore(t)

	require.Equal(t, dir, s.Root())
	require.Equal(t, []string{ledger.FileName}, dirNames(t, dir))
	require.Equal(t, "", readLedger(t, dir))

	ids, err := s.ListIDs(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOpenDirExistingStore(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, 3, []string{"x"}))

	reopened, err := OpenDir(ctx, dir)
	require.NoError(t, err)

	ids, err := reopened.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids)
}

func TestHash(t *testing.T) {
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592", Hash([]string{"hello"}))
	require.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", Hash(nil))

	// Lines are joined without a delimiter.
	require.Equal(t, Hash([]string{"ab"}), Hash([]string{"a", "b"}))
	require.Equal(t, Hash([]string{"a", "b"}), Hash([]string{"a", "b"}))
}

func TestAddRead(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"a", "b"}))

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, int64(5))

	lines, err := s.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, lines)

	require.Equal(t, "5\n", readLedger(t, dir))
	require.Contains(t, dirNames(t, dir), simpledatastore.FileName(5, Hash([]string{"a", "b"})))
}

func TestAddDuplicate(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"first"}))
	before := dirNames(t, dir)

	err := s.Add(ctx, 5, []string{"second"})
	require.ErrorIs(t, err, simpledatastore.ErrDuplicateID)

	lines, err := s.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, lines)
	require.Equal(t, before, dirNames(t, dir))
	require.Equal(t, "5\n", readLedger(t, dir))
}

func TestAddNegativeID(t *testing.T) {
	s, dir := newTestStore(t)

	err := s.Add(context.Background(), -1, []string{"x"})
	require.ErrorIs(t, err, simpledatastore.ErrInvalidID)
	require.Equal(t, []string{ledger.FileName}, dirNames(t, dir))
}

func TestAddInconsistentStore(t *testing.T) {
	s, dir := newTestStore(t)
	appendLedger(t, dir, "99")

	err := s.Add(context.Background(), 1, []string{"x"})
	require.ErrorIs(t, err, simpledatastore.ErrInconsistentState)
}

func TestAddEmptyContent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 0, nil))
	require.Contains(t, dirNames(t, dir), simpledatastore.FileName(0, Hash(nil)))

	lines, err := s.Read(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestRejectsLineBreaks(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	for _, bad := range [][]string{{"a\r"}, {"a\nb"}, {"ok", "\r\n"}} {
		err := s.Add(ctx, 1, bad)
		require.ErrorIs(t, err, simpledatastore.ErrInvalidLine)
	}
	require.Equal(t, "", readLedger(t, dir), "rejected add must not touch the ledger")
	require.Equal(t, []string{ledger.FileName}, dirNames(t, dir))

	require.NoError(t, s.Add(ctx, 1, []string{"a"}))
	require.ErrorIs(t, s.Write(ctx, 1, []string{"b\r"}), simpledatastore.ErrInvalidLine)
	require.ErrorIs(t, s.Append(ctx, 1, []string{"c\nd"}), simpledatastore.ErrInvalidLine)

	lines, err := s.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, lines)

	report, err := s.Reconcile(ctx)
	require.NoError(t, err)
	require.False(t, report.Changed())
}

func TestWrite(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"a", "b"}))
	require.NoError(t, s.Write(ctx, 5, []string{"x"}))

	lines, err := s.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, lines)

	d, err := s.Lookup(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, Hash([]string{"x"}), d.Hash)
	require.Equal(t, filepath.Join(dir, simpledatastore.FileName(5, Hash([]string{"x"}))), d.Path)

	// Old file is gone
	require.Equal(t, []string{simpledatastore.FileName(5, Hash([]string{"x"})), ledger.FileName}, dirNames(t, dir))
}

func TestWriteSameContent(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"same"}))
	before := dirNames(t, dir)

	require.NoError(t, s.Write(ctx, 5, []string{"same"}))
	require.Equal(t, before, dirNames(t, dir))
}

func TestWriteIgnoresLedger(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	placeFile(t, dir, simpledatastore.FileName(8, Hash([]string{"loose"})), "loose")

	require.NoError(t, s.Write(ctx, 8, []string{"tight"}))

	lines, err := s.Read(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, []string{"tight"}, lines)
	require.Equal(t, "", readLedger(t, dir))
}

func TestAppend(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"a"}))
	require.NoError(t, s.Write(ctx, 5, []string{"x"}))
	require.NoError(t, s.Append(ctx, 5, []string{"y"}))

	lines, err := s.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, lines)

	d, err := s.Lookup(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, Hash([]string{"x", "y"}), d.Hash)
}

func TestAppendNothing(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 5, []string{"x"}))
	before := dirNames(t, dir)

	require.NoError(t, s.Append(ctx, 5, nil))
	require.Equal(t, before, dirNames(t, dir))
}

func TestMissingObject(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Read(ctx, 1)
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)

	err = s.Write(ctx, 1, []string{"x"})
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)

	err = s.Append(ctx, 1, []string{"x"})
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)

	err = s.Delete(ctx, 1)
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)

	_, err = s.Lookup(ctx, 1)
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)
}

func TestReadIgnoresLedger(t *testing.T) {
	s, dir := newTestStore(t)
	placeFile(t, dir, simpledatastore.FileName(4, Hash([]string{"q"})), "q")

	lines, err := s.Read(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, []string{"q"}, lines)
}

func TestDelete(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 1, []string{"one"}))
	require.NoError(t, s.Add(ctx, 2, []string{"two"}))
	require.NoError(t, s.Delete(ctx, 1))

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, ids)
	require.Equal(t, "2\n", readLedger(t, dir))

	_, err = s.Read(ctx, 1)
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)
}

func TestLookupExactID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, 12, []string{"twelve"}))
	require.NoError(t, s.Add(ctx, 1, []string{"one"}))

	d, err := s.Lookup(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), d.ID)

	lines, err := s.Read(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, lines)
}

func TestListIDsSorted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{30, 2, 100} {
		require.NoError(t, s.Add(ctx, id, []string{"v"}))
	}

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 30, 100}, ids)
}

func TestListIDsInconsistent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, s *Store, dir string)
	}{
		{
			name: "orphan ledger entry",
			setup: func(t *testing.T, s *Store, dir string) {
				appendLedger(t, dir, "99")
			},
		},
		{
			name: "unindexed file",
			setup: func(t *testing.T, s *Store, dir string) {
				placeFile(t, dir, simpledatastore.FileName(7, Hash([]string{"x"})), "x")
			},
		},
		{
			name: "duplicate ledger entry",
			setup: func(t *testing.T, s *Store, dir string) {
				appendLedger(t, dir, "1")
				placeFile(t, dir, simpledatastore.FileName(1, "ffffffffffffffffffffffffffffffff"), "y")
			},
		},
		{
			name: "malformed ledger line",
			setup: func(t *testing.T, s *Store, dir string) {
				appendLedger(t, dir, "not-a-number")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dir := newTestStore(t)
			require.NoError(t, s.Add(context.Background(), 1, []string{"one"}))
			tt.setup(t, s, dir)

			_, err := s.ListIDs(context.Background())
			require.ErrorIs(t, err, simpledatastore.ErrInconsistentState)
		})
	}
}

func TestListIDsInconsistentError(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Add(context.Background(), 1, []string{"one"}))
	appendLedger(t, dir, "99")

	_, err := s.ListIDs(context.Background())

	var ie *simpledatastore.InconsistentError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []int64{1, 99}, ie.LedgerIDs)
	assert.Equal(t, []int64{1}, ie.FileIDs)
}

func TestListIDsMalformedName(t *testing.T) {
	s, dir := newTestStore(t)
	placeFile(t, dir, "junk.dat", "x")

	_, err := s.ListIDs(context.Background())
	require.ErrorIs(t, err, simpledatastore.ErrMalformedName)
}

func TestListIDsSkipsReservedFiles(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, 1, []string{"one"}))
	placeFile(t, dir, "_journal.db", "not content")

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}

func TestDestroy(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, 1, []string{"one"}))

	require.NoError(t, s.Destroy(ctx))

	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestDigest(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Digest(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Add(ctx, 1, []string{"one"}))
	one, err := s.Digest(ctx)
	require.NoError(t, err)
	require.NotEqual(t, empty, one)

	again, err := s.Digest(ctx)
	require.NoError(t, err)
	require.Equal(t, one, again)

	// Reserved files other than the ledger do not count
	placeFile(t, dir, "_journal.db", "x")
	withJournal, err := s.Digest(ctx)
	require.NoError(t, err)
	require.Equal(t, one, withJournal)

	require.NoError(t, s.Write(ctx, 1, []string{"uno"}))
	rewritten, err := s.Digest(ctx)
	require.NoError(t, err)
	require.NotEqual(t, one, rewritten)
}

func TestWithInstrumentation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := OpenDir(context.Background(), dir, WithInstrumentation("filesystem"))
	require.NoError(t, err)

	require.Equal(t, dir, s.Root())
	require.NoError(t, s.Add(context.Background(), 1, []string{"one"}))

	d, err := s.Lookup(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, d.Name()), d.Path)
}
