package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_ExportImport(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--project", "proj-A", "--requirement", "Automatically validate incoming orders.")
	require.NoError(t, err)
	_, err = execute(t, "run", "--project", "proj-A")
	require.NoError(t, err)

	snap := filepath.Join(t.TempDir(), "orders.apmsnap")
	out, err := execute(t, "export", "--project", "proj-A", "--out", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Exported 1 project(s)")

	// A second store receives the snapshot.
	t.Setenv("APM_STORE_ENDPOINT", filepath.Join(t.TempDir(), "restored.db"))
	out, err = execute(t, "import", "--in", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "✅ Imported 1 project(s)")

	out, err = execute(t, "status", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase: CREATE (cycle 1)")
	assert.Contains(t, out, "SolutionDesign")

	out, err = execute(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "All 1 project(s) consistent.")

	// Restoring the same project twice is rejected.
	_, err = execute(t, "import", "--in", snap)
	require.Error(t, err)
}

func TestExecute_ImportRequiresFile(t *testing.T) {
	isolate(t)
	_, err := execute(t, "import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--in")

	_, err = execute(t, "import", "--in", filepath.Join(t.TempDir(), "none.apmsnap"))
	require.Error(t, err)
}
