package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_VerifyEmptyStore(t *testing.T) {
	isolate(t)
	out, err := execute(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "All 0 project(s) consistent.")
}

func TestExecute_VerifyUnknownProject(t *testing.T) {
	isolate(t)
	_, err := execute(t, "verify", "--project", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitPrecondition, ExitCode(err))
}

func TestExecute_ReindexAfterRun(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--project", "proj-A", "--requirement", "Export invoices nightly.")
	require.NoError(t, err)
	out, err := execute(t, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "Rebuilding retrieval index...")
	assert.Contains(t, out, "artifact")
}

func TestExecute_DoctorFreshInstall(t *testing.T) {
	dbPath := isolate(t)
	out, err := execute(t, "doctor")
	require.NoError(t, err)
	assert.Contains(t, out, "APM Doctor")
	assert.Contains(t, out, "Data directory does not exist")
	assert.Contains(t, out, "✅ OK (local, offline)")

	out, err = execute(t, "doctor", "--fix")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ FIXED")
	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExecute_DoctorMissingAPIKey(t *testing.T) {
	isolate(t)
	t.Setenv("APM_LLM_PROVIDER", "openai")
	t.Setenv("APM_LLM_APIKEYENV", "APM_TEST_MISSING_KEY")
	t.Setenv("APM_TEST_MISSING_KEY", "")
	out, err := execute(t, "doctor")
	require.Error(t, err)
	assert.Contains(t, out, "APM_TEST_MISSING_KEY is not set")
}

func TestExecute_Audit(t *testing.T) {
	isolate(t)
	out, err := execute(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "APM has not been used yet")
	assert.Contains(t, out, "Provider: local")

	_, err = execute(t, "run", "--project", "proj-A", "--requirement", "Export invoices nightly.")
	require.NoError(t, err)
	out, err = execute(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "artifact store, handovers and retrieval index")
	assert.Contains(t, out, "row(s)")
	assert.NotContains(t, out, "Export invoices nightly.")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "(not set)", redact("", 4))
	assert.Equal(t, "***", redact("short", 4))
	assert.Equal(t, "sk-a...wxyz", redact("sk-abcdefghijklmnopqrstuvwxyz", 4))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "2.0 KB", humanSize(2048))
	assert.Equal(t, "1.5 MB", humanSize(3<<19))
}
