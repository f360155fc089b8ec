package handover

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

func TestRender_AllSectionsPresentWhenEmpty(t *testing.T) {
	doc, err := Render(Header{Project: "p", FromPhase: phase.Analyze, ToPhase: phase.Plan}, Sections{})
	require.NoError(t, err)
	assert.Contains(t, doc, "# Handover ANALYZE → PLAN")
	for _, title := range sectionOrder {
		assert.Contains(t, doc, "## "+title)
	}
	assert.Contains(t, doc, "artifacts: []")
}

func TestRenderParse_RoundTrip(t *testing.T) {
	created := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	h := Header{CreatedAt: created, Project: "proj-A", FromPhase: phase.Plan, ToPhase: phase.Create, Artifacts: []string{"a1", "a2"}, Degraded: true}
	s := Sections{
		Purpose:      "Hand the design to CREATE.",
		Status:       "2 components designed.",
		Achievements: []string{"plan with 3 milestones"},
		OpenItems:    []string{"RISK-1: what are orders?"},
		NextSteps:    []string{"specify order-validator"},
		Notes:        []string{"retrieval degraded"},
	}
	doc, err := Render(h, s)
	require.NoError(t, err)

	got, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, h, got.Header)
	assert.Equal(t, s, got.Sections)
	assert.Empty(t, got.Extra)
}

func TestParse_ToleratesMissingAndUnknownSections(t *testing.T) {
	doc := "# Handover\n\n## Purpose\nship it\n\n## Key Artifacts\n- a1\n"
	got, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "ship it", got.Sections.Purpose)
	assert.Empty(t, got.Sections.NextSteps)
	assert.Equal(t, "- a1", got.Extra["Key Artifacts"])
	assert.True(t, got.Header.CreatedAt.IsZero())
}

func TestParse_RejectsMalformedFrontmatter(t *testing.T) {
	_, err := Parse("---\nproject: [unterminated\n---\n## Purpose\n")
	assert.Error(t, err)
}

func setupManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "apm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, nil), st
}

func TestManager_EmitKeepsOneActive(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()
	_, _, err := st.EnsureProject(ctx, "p", "")
	require.NoError(t, err)

	ra := &store.Artifact{Phase: phase.Analyze, Kind: phase.RequirementAnalysis, ProducedBy: "test", Summary: "ra", Payload: json.RawMessage(`{}`)}
	require.NoError(t, st.Commit(ctx, &store.Batch{Project: "p", Artifacts: []*store.Artifact{ra}}))

	first, err := m.Emit(ctx, Transition{Project: "p", From: phase.Analyze, To: phase.Plan, Summary: "Goals: validate orders.", Artifacts: []string{ra.ID}})
	require.NoError(t, err)
	second, err := m.Emit(ctx, Transition{Project: "p", From: phase.Analyze, To: phase.Plan, Artifacts: []string{ra.ID}})
	require.NoError(t, err)
	assert.Equal(t, "ANALYZE complete", second.Summary)

	latest, err := m.Latest(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	hist, err := m.History(ctx, "p")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.ID, hist[0].ID)
	assert.Equal(t, first.ID, hist[1].ID)
	assert.Equal(t, store.HandoverArchived, hist[1].Status)

	n, err := st.CountActiveHandovers(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := Parse(latest.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{ra.ID}, doc.Header.Artifacts)
	assert.Equal(t, phase.Plan, doc.Header.ToPhase)
}

func TestManager_EmitRejectsSkippedPhase(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()
	_, _, err := st.EnsureProject(ctx, "p", "")
	require.NoError(t, err)

	_, err = m.Emit(ctx, Transition{Project: "p", From: phase.Analyze, To: phase.Create})
	require.Error(t, err)
	latest, err := m.Latest(ctx, "p")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestManager_StateMatchesCommittedAdvance(t *testing.T) {
	m, st := setupManager(t)
	ctx := context.Background()
	_, _, err := st.EnsureProject(ctx, "p", "")
	require.NoError(t, err)

	p, h, err := m.State(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, phase.Analyze, p.CurrentPhase)
	assert.Nil(t, h)

	built, err := m.Build(Transition{Project: "p", From: phase.Analyze, To: phase.Plan, Summary: "Goals: validate orders."})
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, &store.Batch{
		Project:     "p",
		ExpectPhase: phase.Analyze,
		Handover:    built,
		Advance:     &store.PhaseUpdate{To: phase.Plan},
	}))

	p, h, err = m.State(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, built.ID, h.ID)
	assert.Equal(t, p.CurrentHandover, h.ID)
	assert.Equal(t, p.CurrentPhase, h.ToPhase)

	_, _, err = m.State(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
