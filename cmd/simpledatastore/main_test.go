package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	simpledatastore "github.com/wolfeidau/simpledatastore"
	"github.com/wolfeidau/simpledatastore/store"
	"github.com/wolfeidau/simpledatastore/store/scrub"
)

type harness struct {
	t   *testing.T
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{t: t, dir: filepath.Join(t.TempDir(), "store")}
}

// run executes the CLI against the harness store and returns stdout.
func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--store", h.dir}, args...)
	err := mainImpl(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), err
}

func (h *harness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	require.NoError(h.t, err)
	return out
}

func TestCLI_AddCatLs(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "5", "a", "b")
	h.mustRun("from\nstdin\n", "add", "2")

	require.Equal(t, "a\nb\n", h.mustRun("", "cat", "5"))
	require.Equal(t, "from\nstdin\n", h.mustRun("", "cat", "2"))
	require.Equal(t, "2\n5\n", h.mustRun("", "ls"))
}

func TestCLI_WriteAppend(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "5", "a")
	h.mustRun("", "write", "5", "x")
	h.mustRun("", "append", "5", "y")

	require.Equal(t, "x\ny\n", h.mustRun("", "cat", "5"))

	out := h.mustRun("", "stat", "5")
	assert.Contains(t, out, store.Hash([]string{"x", "y"}))
	assert.Contains(t, out, "verified:  true")
}

func TestCLI_AddDuplicate(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "1", "a")
	_, err := h.run("", "add", "1", "b")
	require.ErrorIs(t, err, simpledatastore.ErrDuplicateID)
}

func TestCLI_Rm(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "1", "a")
	h.mustRun("", "rm", "1")
	require.Equal(t, "", h.mustRun("", "ls"))

	_, err := h.run("", "rm", "1")
	require.ErrorIs(t, err, simpledatastore.ErrNotFound)
}

func TestCLI_Hash(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, "5d41402abc4b2a76b9719d911017c592\n", h.mustRun("", "hash", "hello"))
	require.Equal(t, "5d41402abc4b2a76b9719d911017c592\n", h.mustRun("hello\n", "hash"))
}

func TestCLI_LsInconsistent(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "1", "a")
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, simpledatastore.FileName(2, "abc")), []byte("x\n"), 0o644))

	_, err := h.run("", "ls")
	require.ErrorIs(t, err, simpledatastore.ErrInconsistentState)
	require.Contains(t, err.Error(), "reconcile")
}

func TestCLI_CheckAndReconcile(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "7", "hello")
	name := simpledatastore.FileName(7, store.Hash([]string{"hello"}))
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, name), []byte("goodbye\n"), 0o644))

	out := h.mustRun("", "check")
	require.Contains(t, out, "corrupt:")
	require.Contains(t, out, name)

	_, err := h.run("", "check", "--exit-code")
	require.ErrorIs(t, err, errNeedsRepair)

	out = h.mustRun("", "reconcile", "--json")
	var result scrub.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, []string{name}, result.Report.CorruptFiles)
	require.Equal(t, []int64{7}, result.Report.OrphanIDs)

	require.Equal(t, "", h.mustRun("", "ls"))

	out = h.mustRun("", "check", "--exit-code")
	require.Contains(t, out, "store is consistent")

	out = h.mustRun("", "history")
	require.Contains(t, out, result.RunID)

	out = h.mustRun("", "history", "--run", result.RunID)
	require.Contains(t, out, "trigger:    manual")
}

func TestCLI_NoJournal(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "--no-journal", "reconcile")
	_, err := os.Stat(filepath.Join(h.dir, "_journal.db"))
	require.True(t, os.IsNotExist(err))

	_, err = h.run("", "--no-journal", "history")
	require.Error(t, err)
}

func TestCLI_Destroy(t *testing.T) {
	h := newHarness(t)

	h.mustRun("", "add", "1", "a")

	_, err := h.run("", "destroy")
	require.Error(t, err)

	h.mustRun("", "destroy", "--yes")
	_, err = os.Stat(h.dir)
	require.True(t, os.IsNotExist(err))
}

func TestCLI_MissingStore(t *testing.T) {
	h := newHarness(t)

	for _, args := range [][]string{{"ls"}, {"cat", "1"}, {"stat", "1"}, {"check"}, {"rm", "1"}, {"destroy", "--yes"}} {
		_, err := h.run("", args...)
		require.ErrorIs(t, err, simpledatastore.ErrNotFound, "%v", args)
	}
	_, err := os.Stat(h.dir)
	require.True(t, os.IsNotExist(err), "read-only commands must not create the store")

	h.mustRun("", "add", "1", "a")
	require.Equal(t, "1\n", h.mustRun("", "ls"))
}

func TestCLI_WatchRejectsZeroInterval(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "watch", "--interval", "0s")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--interval")
}

func TestCLI_UnknownCommand(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "frobnicate")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	require.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger, err = newLogger(&buf, "info", "text")
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")

	_, err = newLogger(&buf, "loud", "text")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
}
