package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_IngestFile(t *testing.T) {
	isolate(t)
	note := filepath.Join(t.TempDir(), "retro.md")
	require.NoError(t, os.WriteFile(note, []byte("Order validation retro: schema checks caught most defects."), 0600))

	out, err := execute(t, "ingest", "--path", note, "--category", "reflection", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "(reflection)")
	assert.Contains(t, out, "Ingested 1 record(s), 0 unchanged.")

	out, err = execute(t, "ingest", "--path", note, "--category", "reflection", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 0 record(s), 1 unchanged.")
}

func TestExecute_IngestDirectory(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("Plan notes for invoices."), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("Tasks for export."), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), []byte("ignored"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.md"), []byte("  \n"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD.md"), []byte("hidden"), 0600))

	out, err := execute(t, "ingest", "--path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 2 record(s), 0 unchanged.")
	assert.Contains(t, out, "(freeform)")

	out, err = execute(t, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Indexed 2 document(s)")
}

func TestExecute_IngestValidatesFlags(t *testing.T) {
	isolate(t)
	_, err := execute(t, "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--path")

	_, err = execute(t, "ingest", "--path", ".", "--category", "gossip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--category")

	_, err = execute(t, "ingest", "--path", filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
}
