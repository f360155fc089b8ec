package cmd

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handoverLine = regexp.MustCompile(`Handover ([0-9a-f-]{36})`)

func TestExecute_RunWalksTheCycle(t *testing.T) {
	isolate(t)

	out, err := execute(t, "run", "--project", "proj-A", "--requirement", "Automatically validate incoming orders.")
	require.NoError(t, err)
	assert.Contains(t, out, "proj-A: ANALYZE → PLAN")
	assert.Contains(t, out, "RequirementAnalysis")
	assert.Regexp(t, handoverLine, out)

	out, err = execute(t, "run", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "PLAN → CREATE")
	assert.Contains(t, out, "ProjectPlan")
	assert.Contains(t, out, "SolutionDesign")

	out, err = execute(t, "run", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE → IMPLEMENT")
	assert.Contains(t, out, "CodeSpec")
	assert.Contains(t, out, "TestSpec")

	status := filepath.Join(t.TempDir(), "status.yaml")
	require.NoError(t, os.WriteFile(status, []byte("components:\n  \"*\": implemented\n"), 0600))
	out, err = execute(t, "run", "--project", "proj-A", "--input", status)
	require.NoError(t, err)
	assert.Contains(t, out, "stays in IMPLEMENT")

	require.NoError(t, os.WriteFile(status, []byte("tests:\n  \"*\": pass\n"), 0600))
	out, err = execute(t, "run", "--project", "proj-A", "--input", status)
	require.NoError(t, err)
	assert.Contains(t, out, "IMPLEMENT → REFLECT")

	out, err = execute(t, "run", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "REFLECT → ANALYZE")

	out, err = execute(t, "status", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase: ANALYZE (cycle 2)")
	assert.Contains(t, out, "REFLECT → ANALYZE")
	assert.Contains(t, out, "ReflectionReport")

	out, err = execute(t, "history", "--project", "proj-A", "--kind", "ImplementationReport")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "ImplementationReport"))

	out, err = execute(t, "history", "--project", "proj-A", "--handovers")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "  active  "))
	assert.Equal(t, 4, strings.Count(out, "  archived "))

	out, err = execute(t, "verify", "--project", "proj-A")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ proj-A")
}

func TestExecute_RunRequiresProject(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestExecute_RunMissingPriorExitsTwo(t *testing.T) {
	isolate(t)
	out, err := execute(t, "run", "--project", "proj-B", "--phase", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "moved to CREATE")

	_, err = execute(t, "run", "--project", "proj-B")
	require.Error(t, err)
	assert.Equal(t, ExitPrecondition, ExitCode(err))
	assert.Contains(t, err.Error(), "project=proj-B, phase=CREATE, kind=PreconditionMissing")
}

func TestExecute_RunRejectsUnknownPhase(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--project", "proj-A", "--phase", "DEPLOY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--phase")
}

func TestExecute_RunRejectsBadStatusInput(t *testing.T) {
	isolate(t)
	for _, args := range [][]string{
		{"run", "--project", "proj-A", "--requirement", "Automatically validate incoming orders."},
		{"run", "--project", "proj-A"},
		{"run", "--project", "proj-A"},
	} {
		_, err := execute(t, args...)
		require.NoError(t, err)
	}
	_, err := execute(t, "run", "--project", "proj-A", "--requirement", "components: {ghost: implemented}")
	require.Error(t, err)
	assert.Equal(t, ExitEngine, ExitCode(err))
}

func TestExecute_RunInputConflict(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--project", "proj-A", "--requirement", "x", "--input", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either")
}

func TestExecute_StatusUnknownProject(t *testing.T) {
	isolate(t)
	_, err := execute(t, "status", "--project", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitPrecondition, ExitCode(err))
}

func TestExecute_StatusListsProjects(t *testing.T) {
	isolate(t)
	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No projects yet")

	_, err = execute(t, "run", "--project", "proj-A", "--requirement", "Export invoices nightly.")
	require.NoError(t, err)
	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "APM Projects (1)")
	assert.Contains(t, out, "proj-A")
}

func TestExecute_ClarifyAnswersQuestion(t *testing.T) {
	isolate(t)
	out, err := execute(t, "run", "--project", "proj-A", "--requirement", "")
	require.NoError(t, err)
	assert.Contains(t, out, "clarification(s) raised")

	out, err = execute(t, "clarify", "--project", "proj-A")
	require.NoError(t, err)
	id := regexp.MustCompile(`\? ([0-9a-f-]{36})`).FindStringSubmatch(out)
	require.Len(t, id, 2, out)

	_, err = execute(t, "clarify", "--project", "proj-A", "--id", id[1], "--answer", "Validate orders from the web shop.")
	require.NoError(t, err)

	out, err = execute(t, "clarify", "--project", "proj-A", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "→ Validate orders from the web shop.")
}

func TestExecute_HistoryRejectsUnknownKind(t *testing.T) {
	isolate(t)
	_, err := execute(t, "run", "--project", "proj-A", "--requirement", "Export invoices nightly.")
	require.NoError(t, err)
	_, err = execute(t, "history", "--project", "proj-A", "--kind", "Blueprint")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--kind")
}
