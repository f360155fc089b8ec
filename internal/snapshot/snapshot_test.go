package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

func seeded(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "apm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, _, err = st.EnsureProject(ctx, "proj-A", "Orders")
	require.NoError(t, err)
	ra := &store.Artifact{
		ID:         store.NewID(),
		Project:    "proj-A",
		Phase:      phase.Analyze,
		Kind:       phase.RequirementAnalysis,
		ProducedBy: "test",
		Summary:    "Goals: validate orders.",
		Payload:    json.RawMessage(`{"requirement":"Validate orders."}`),
	}
	require.NoError(t, st.Commit(ctx, &store.Batch{
		Project:     "proj-A",
		ExpectPhase: phase.Analyze,
		Artifacts:   []*store.Artifact{ra},
		Handover: &store.Handover{
			ID: store.NewID(), Project: "proj-A", FromPhase: phase.Analyze, ToPhase: phase.Plan,
			Summary: "ANALYZE complete", Body: "# Handover", ArtifactRefs: []string{ra.ID},
		},
		Advance: &store.PhaseUpdate{To: phase.Plan},
	}))
	_, err = st.UpsertMemory(ctx, &store.MemoryRecord{Category: store.CategoryReflection, Path: "notes/r1.md", Content: "Keep rules small."})
	require.NoError(t, err)
	return st
}

func TestWriteRead_RoundTripRestores(t *testing.T) {
	ctx := context.Background()
	src := seeded(t)
	d, err := src.DumpProjects(ctx)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "orders"+Extension)
	require.NoError(t, WriteFile(path, &Payload{Manifest: NewManifest(d, "apm test", time.Now()), Dump: d}))

	p, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-A"}, p.Manifest.Projects)
	assert.Equal(t, 1, p.Manifest.ArtifactCount)
	assert.Equal(t, 1, p.Manifest.HandoverCount)
	assert.Equal(t, 1, p.Manifest.MemoryCount)

	dst, err := store.Open(ctx, filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Restore(ctx, p.Dump))

	proj, err := dst.GetProject(ctx, "proj-A")
	require.NoError(t, err)
	assert.Equal(t, phase.Plan, proj.CurrentPhase)
	h, err := dst.ActiveHandover(ctx, "proj-A")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, proj.CurrentHandover, h.ID)
}

func TestRead_RejectsForeignFile(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("PHLO\x01garbage")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an apm snapshot")
}

func TestRead_RejectsNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	buf.WriteByte(Version + 1)
	_, err := Read(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestRead_Truncated(t *testing.T) {
	_, err := Read(bytes.NewReader(MagicBytes[:2]))
	require.Error(t, err)
}

func TestWriteFile_MissingParent(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "missing", "x"+Extension), &Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create file")
}

func TestWriteFile_EmptyDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty"+Extension)
	require.NoError(t, WriteFile(path, &Payload{Manifest: NewManifest(nil, "", time.Now())}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(len(MagicBytes)+1))

	p, err := ReadFile(path)
	require.NoError(t, err)
	assert.NotNil(t, p.Dump)
	assert.Empty(t, p.Manifest.Projects)
}
