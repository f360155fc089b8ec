package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir switches to dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeBlended7030, cfg.Retrieval.Mode)
	assert.Equal(t, 600, cfg.Workflow.DeadlineSeconds)
	assert.Equal(t, 10*time.Minute, cfg.Workflow.Deadline())
	assert.Equal(t, 3, cfg.Workflow.Retries.Transient)
	assert.Equal(t, LockModeFail, cfg.Workflow.LockMode)
	assert.Equal(t, "local", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Retrieval.K)
	assert.Contains(t, cfg.Store.Endpoint, DefaultStoreFile)
	assert.Empty(t, cfg.File)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := `store:
  endpoint: /tmp/custom.db
retrieval:
  mode: lexical-only
llm:
  provider: acme-gpt
workflow:
  deadlineSeconds: 30
  retries:
    transient: 1
  lockMode: wait
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apm.yaml"), []byte(content), 0600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.Store.Endpoint)
	assert.Equal(t, ModeLexicalOnly, cfg.Retrieval.Mode)
	assert.Equal(t, "acme-gpt", cfg.LLM.Provider)
	assert.Equal(t, 30, cfg.Workflow.DeadlineSeconds)
	assert.Equal(t, 1, cfg.Workflow.Retries.Transient)
	assert.Equal(t, LockModeWait, cfg.Workflow.LockMode)
	assert.NotEmpty(t, cfg.File)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apm.yaml"), []byte("retrieval:\n  mode: lexical-only\n"), 0600))
	t.Setenv("APM_RETRIEVAL_MODE", "blended-50-50")
	t.Setenv("APM_STORE_ENDPOINT", filepath.Join(dir, "env.db"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeBlended5050, cfg.Retrieval.Mode)
	assert.Equal(t, filepath.Join(dir, "env.db"), cfg.Store.Endpoint)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidMode(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("APM_RETRIEVAL_MODE", "semantic")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrieval.mode")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Workflow.DeadlineSeconds = 0
	assert.ErrorContains(t, bad.Validate(), "workflow.deadlineSeconds")

	bad = *cfg
	bad.Workflow.LockMode = "spin"
	assert.ErrorContains(t, bad.Validate(), "workflow.lockMode")

	bad = *cfg
	bad.Workflow.Retries.Transient = -1
	assert.ErrorContains(t, bad.Validate(), "workflow.retries.transient")

	bad = *cfg
	bad.Store.Endpoint = " "
	assert.ErrorContains(t, bad.Validate(), "store.endpoint")
}
