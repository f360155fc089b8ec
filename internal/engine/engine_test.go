package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/llm/llmtest"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

const twoGoals = "Automatically validate incoming orders. Export invoices nightly."

type harness struct {
	t       *testing.T
	st      *store.Store
	svc     *retrieval.Service
	port    *llmtest.Port
	reg     *Registry
	project *store.Project
}

func newHarness(t *testing.T, opts ...retrieval.Option) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "apm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc, err := retrieval.New(ctx, st, llm.NewLocalEmbedder(), config.ModeBlended7030, opts...)
	require.NoError(t, err)
	port := llmtest.New()
	p, _, err := st.EnsureProject(ctx, "proj-A", "")
	require.NoError(t, err)
	return &harness{
		t:       t,
		st:      st,
		svc:     svc,
		port:    port,
		reg:     NewRegistry(Deps{Store: st, Retrieval: svc, LLM: port}),
		project: p,
	}
}

// prior resolves the seed artifact the way the coordinator does.
func (h *harness) prior(p phase.Phase) *store.Artifact {
	h.t.Helper()
	arts, err := h.st.QueryArtifacts(context.Background(), store.ArtifactFilter{Project: h.project.ID, Kinds: PriorKinds(p), Limit: 1})
	require.NoError(h.t, err)
	if len(arts) == 0 {
		return nil
	}
	return arts[0]
}

func (h *harness) run(p phase.Phase, text string) (*Output, error) {
	h.t.Helper()
	e, err := h.reg.For(p)
	require.NoError(h.t, err)
	return e.Run(context.Background(), Input{Project: h.project, Prior: h.prior(p), Text: text})
}

// commit persists out, advancing when advance is set, and indexes it.
func (h *harness) commit(p phase.Phase, out *Output, advance bool) {
	h.t.Helper()
	ctx := context.Background()
	b := &store.Batch{Project: h.project.ID, ExpectPhase: p, Artifacts: out.Artifacts, Clarifications: out.Clarifications}
	if advance {
		b.Advance = &store.PhaseUpdate{To: phase.Next(p), NextCycle: p == phase.Reflect}
	}
	require.NoError(h.t, h.st.Commit(ctx, b))
	for _, a := range out.Artifacts {
		require.NoError(h.t, h.svc.IndexArtifact(ctx, a))
	}
	proj, err := h.st.GetProject(ctx, h.project.ID)
	require.NoError(h.t, err)
	h.project = proj
}

func (h *harness) step(p phase.Phase, text string) *Output {
	h.t.Helper()
	out, err := h.run(p, text)
	require.NoError(h.t, err)
	h.commit(p, out, true)
	return out
}

func decode[T any](t *testing.T, a *store.Artifact) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(a.Payload, &v))
	return v
}

func TestExtractStatements(t *testing.T) {
	st := extractStatements("- Automatically validate incoming orders.\n- Responses must arrive within 2 seconds because customers wait.\nInvoicing is out of scope.\nAutomatically validate incoming orders.")
	assert.Equal(t, []string{"Automatically validate incoming orders."}, st.Goals)
	assert.Equal(t, []string{"Responses must arrive within 2 seconds because customers wait."}, st.Constraints)
	assert.Equal(t, []string{"Invoicing is out of scope."}, st.NonGoals)
	assert.Equal(t, []string{"customers wait"}, st.Rationale)
}

func TestKeyTermsAndKebab(t *testing.T) {
	assert.Equal(t, []string{"validate", "orders"}, keyTerms("Automatically validate incoming orders."))
	assert.Equal(t, "validate-orders", kebab("Automatically validate incoming orders.", 3))
	assert.Equal(t, "export-invoices-nightly", kebab("Export invoices nightly to the ERP.", 3))
	assert.Equal(t, "component", kebab("It.", 3))
}

func TestRegistry_CoversEveryPhase(t *testing.T) {
	reg := NewRegistry(Deps{})
	for _, p := range phase.Cycle {
		e, err := reg.For(p)
		require.NoError(t, err)
		assert.Equal(t, p, e.Phase())
		assert.Equal(t, p != phase.Analyze, PriorRequired(p))
		assert.NotEmpty(t, PriorKinds(p))
	}
	_, err := reg.For("DEPLOY")
	assert.Error(t, err)
}

func TestAnalyze_ClassifiesRequirement(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(phase.Analyze, "Automatically validate incoming orders. Responses must arrive within 2 seconds. Invoicing is out of scope.")
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 1)
	art := out.Artifacts[0]

	ra := decode[RequirementAnalysis](t, art)
	assert.Equal(t, []string{"Automatically validate incoming orders."}, ra.Goals)
	assert.Equal(t, []string{"Responses must arrive within 2 seconds."}, ra.Constraints)
	assert.Equal(t, []string{"Invoicing is out of scope."}, ra.NonGoals)
	assert.Contains(t, out.Summary, "Automatically validate incoming orders")
	assert.Equal(t, "engine/ANALYZE@scripted", art.ProducedBy)
	assert.False(t, art.Incomplete)
	assert.False(t, art.Degraded)
	assert.True(t, out.Ready)

	require.NotEmpty(t, out.Clarifications)
	assert.LessOrEqual(t, len(out.Clarifications), maxClarifications)
	assert.Len(t, ra.Clarifications, len(out.Clarifications))
	for i, c := range out.Clarifications {
		assert.Equal(t, art.ID, c.ArtifactRef)
		assert.Equal(t, ra.Clarifications[i].ID, c.ID)
	}
	assert.Contains(t, out.Brief.OpenItems[1], `"orders"`)
}

func TestAnalyze_EmptyRequirementIsUnderspecified(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(phase.Analyze, "  ")
	require.NoError(t, err)
	require.Len(t, out.Clarifications, 1)
	assert.Equal(t, QuestionUnderspecified, out.Clarifications[0].Question)

	ra := decode[RequirementAnalysis](t, out.Artifacts[0])
	assert.Empty(t, ra.Goals)
	assert.Len(t, ra.Clarifications, 1)
	h.commit(phase.Analyze, out, true)

	open, err := h.st.ListClarifications(context.Background(), "proj-A", store.ClarificationFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestAnalyze_GroundedTermsRaiseNoClarification(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.IngestMemory(context.Background(), &store.MemoryRecord{
		Category: store.CategoryPlanning, Path: "glossary.md", Project: "proj-A",
		Content: "Orders are validated against the customer master data.",
	})
	require.NoError(t, err)

	out, err := h.run(phase.Analyze, "Validate orders.")
	require.NoError(t, err)
	for _, c := range out.Clarifications {
		assert.NotContains(t, c.Question, `"orders"`)
	}
}

func TestAnalyze_CitesReflectionMemory(t *testing.T) {
	h := newHarness(t)
	m := &store.MemoryRecord{
		Category: store.CategoryReflection, Path: "reflections/cycle-1.md", Project: "proj-A",
		Content: "Order validation rules were hard to change. Keep rules in configuration.",
	}
	_, err := h.svc.IngestMemory(context.Background(), m)
	require.NoError(t, err)

	out, err := h.run(phase.Analyze, "Improve it.")
	require.NoError(t, err)
	art := out.Artifacts[0]
	require.NotEmpty(t, art.References)
	assert.Equal(t, m.ID, art.References[0].ID)
	assert.Equal(t, retrieval.SourceMemory, art.References[0].Source)

	ra := decode[RequirementAnalysis](t, art)
	assert.Contains(t, ra.Hints, "Keep rules in configuration.")
}

func TestAnalyze_ReflectionMatchingRequirementIsUsedOnce(t *testing.T) {
	h := newHarness(t)
	m := &store.MemoryRecord{
		Category: store.CategoryReflection, Path: "reflections/orders.md", Project: "proj-A",
		Content: "Validate incoming orders against configurable rules.",
	}
	_, err := h.svc.IngestMemory(context.Background(), m)
	require.NoError(t, err)

	out, err := h.run(phase.Analyze, "Automatically validate incoming orders.")
	require.NoError(t, err)

	var cited int
	for _, ref := range out.Artifacts[0].References {
		if ref.ID == m.ID {
			cited++
		}
	}
	assert.Equal(t, 1, cited)

	var passages, summaries int
	for _, c := range h.port.Calls() {
		if c.Task != TaskSummarizeRequirement {
			continue
		}
		summaries++
		for _, p := range c.Context {
			if p == m.Content {
				passages++
			}
		}
	}
	require.Equal(t, 1, summaries)
	assert.Equal(t, 1, passages)
	assert.Contains(t, decode[RequirementAnalysis](t, out.Artifacts[0]).Hints, m.Content)
}

func TestAnalyze_IntegratesPriorReflectionHints(t *testing.T) {
	h := newHarness(t)
	payload, _ := json.Marshal(ReflectionReport{NextCycleHints: []string{"Revisit blocked component order-sync."}})
	prior := &store.Artifact{ID: "refl-1", Project: "proj-A", Kind: phase.ReflectionReport, Phase: phase.Reflect, Payload: payload}

	e, err := h.reg.For(phase.Analyze)
	require.NoError(t, err)
	out, err := e.Run(context.Background(), Input{Project: h.project, Prior: prior, Text: "Sync orders with the ERP."})
	require.NoError(t, err)
	ra := decode[RequirementAnalysis](t, out.Artifacts[0])
	assert.Equal(t, []string{"Revisit blocked component order-sync."}, ra.Hints)
	assert.Equal(t, "refl-1", out.Artifacts[0].Parent)
	assert.Contains(t, out.Brief.Notes, "Hint from the last cycle: Revisit blocked component order-sync.")
}

func TestAnalyze_PermanentFailureMarksIncomplete(t *testing.T) {
	h := newHarness(t)
	h.port.Fail(phase.Analyze, apmerr.Permanent, llmtest.Forever)

	out, err := h.run(phase.Analyze, "Automatically validate incoming orders.")
	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	assert.True(t, out.Artifacts[0].Incomplete)
	assert.Empty(t, decode[RequirementAnalysis](t, out.Artifacts[0]).Narrative)
	assert.Contains(t, out.Brief.Notes[0], "Incomplete")
}

func TestAnalyze_TimeoutAborts(t *testing.T) {
	h := newHarness(t)
	h.port.Fail(phase.Analyze, apmerr.Timeout, 1)

	out, err := h.run(phase.Analyze, "Automatically validate incoming orders.")
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, apmerr.Timeout, apmerr.KindOf(err))
}

func TestAnalyze_CancelledContextStops(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, _ := h.reg.For(phase.Analyze)
	_, err := e.Run(ctx, Input{Project: h.project, Text: "Validate orders."})
	assert.Equal(t, apmerr.Cancelled, apmerr.KindOf(err))
}

func TestAnalyze_DegradedRetrievalIsFlagged(t *testing.T) {
	h := newHarness(t, retrieval.WithFault(func(op string) error {
		if op == retrieval.OpSimilar {
			return errors.New("index offline")
		}
		return nil
	}))
	out, err := h.run(phase.Analyze, "Automatically validate incoming orders.")
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.True(t, out.Artifacts[0].Degraded)
	assert.Empty(t, out.Artifacts[0].References)
}

func TestPlan_DerivesComponentsMilestonesAndRisks(t *testing.T) {
	h := newHarness(t)
	analysis := h.step(phase.Analyze, twoGoals)

	out, err := h.run(phase.Plan, "")
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 2)
	planArt, designArt := out.Artifacts[0], out.Artifacts[1]
	assert.Equal(t, phase.ProjectPlan, planArt.Kind)
	assert.Equal(t, phase.SolutionDesign, designArt.Kind)
	assert.Equal(t, analysis.Artifacts[0].ID, planArt.Parent)
	assert.Equal(t, analysis.Artifacts[0].ID, designArt.Parent)

	design := decode[SolutionDesign](t, designArt)
	assert.Equal(t, planArt.ID, design.Plan)
	require.Len(t, design.Components, 2)
	assert.Equal(t, "validate-orders", design.Components[0].Name)
	assert.Equal(t, []string{"Specification", "Publish-Subscribe"}, design.Components[0].Patterns)
	assert.Equal(t, []string{"validate-orders-rules", "validate-orders-queue"}, design.Components[0].Resources)
	assert.Equal(t, "export-invoices-nightly", design.Components[1].Name)
	assert.Equal(t, []string{"Adapter", "Builder", "Scheduler"}, design.Components[1].Patterns)
	assert.Equal(t, []string{"orders"}, design.Components[0].Inputs)

	plan := decode[ProjectPlan](t, planArt)
	require.Len(t, plan.Milestones, 3)
	assert.Equal(t, []string{"validate-orders"}, plan.Milestones[0].Components)
	assert.Equal(t, integrationName, plan.Milestones[2].Name)
	assert.Equal(t, []string{"M1", "M2"}, plan.Milestones[2].DependsOn)
	for _, m := range plan.Milestones {
		assert.Positive(t, m.EffortDays)
	}

	open, err := h.st.ListClarifications(context.Background(), "proj-A", store.ClarificationFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, plan.Risks, len(open))
	assert.Equal(t, "RISK-1", plan.Risks[0].Label)
	assert.Equal(t, open[0].ID, plan.Risks[0].Clarification)
	assert.Contains(t, out.Summary, "validate-orders, export-invoices-nightly")
}

func TestPlan_ResolvedClarificationsAreNotRisks(t *testing.T) {
	h := newHarness(t)
	analysis := h.step(phase.Analyze, "Validate orders.")
	ctx := context.Background()
	for _, c := range analysis.Clarifications {
		require.NoError(t, h.st.ResolveClarification(ctx, "proj-A", c.ID, "the sales orders table"))
	}
	out, err := h.run(phase.Plan, "")
	require.NoError(t, err)
	assert.Empty(t, decode[ProjectPlan](t, out.Artifacts[0]).Risks)
}

func TestPlan_EffortRefinementFromModel(t *testing.T) {
	h := newHarness(t)
	h.step(phase.Analyze, twoGoals)
	h.port.Reply(phase.Plan, `{"effortDays": {"M1": 7}}`)

	out, err := h.run(phase.Plan, "")
	require.NoError(t, err)
	plan := decode[ProjectPlan](t, out.Artifacts[0])
	assert.Equal(t, 7, plan.Milestones[0].EffortDays)
	assert.Empty(t, plan.Narrative)
}

func TestPlan_EmptyAnalysisStillDesignsDiscovery(t *testing.T) {
	h := newHarness(t)
	h.step(phase.Analyze, "")
	out, err := h.run(phase.Plan, "")
	require.NoError(t, err)
	design := decode[SolutionDesign](t, out.Artifacts[1])
	require.Len(t, design.Components, 1)
	assert.Equal(t, discoveryName, design.Components[0].Name)
	assert.Len(t, decode[ProjectPlan](t, out.Artifacts[0]).Risks, 1)
}

func TestPlan_RequiresAnalysis(t *testing.T) {
	h := newHarness(t)
	e, _ := h.reg.For(phase.Plan)
	_, err := e.Run(context.Background(), Input{Project: h.project})
	assert.Equal(t, apmerr.PreconditionMissing, apmerr.KindOf(err))
}

func TestCreate_EmitsBundleCoveringEveryComponent(t *testing.T) {
	h := newHarness(t)
	h.step(phase.Analyze, twoGoals+" Responses must arrive within 2 seconds.")
	planned := h.step(phase.Plan, "")
	designArt := planned.Artifacts[1]

	out, err := h.run(phase.Create, "")
	require.NoError(t, err)

	byKind := make(map[phase.Kind][]*store.Artifact)
	for _, a := range out.Artifacts {
		assert.Equal(t, designArt.ID, a.Parent)
		assert.Equal(t, phase.Create, a.Phase)
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}
	require.Len(t, byKind[phase.CodeSpec], 2)
	require.Len(t, byKind[phase.TestSpec], 2)
	assert.Len(t, byKind[phase.ResourceSpec], 5)
	assert.Len(t, byKind[phase.DesignPattern], 5)

	code := decode[CodeSpec](t, byKind[phase.CodeSpec][0])
	assert.Equal(t, "validate-orders", code.Component)
	assert.Equal(t, "M1", code.Milestone)
	assert.Contains(t, code.Operations, "IsSatisfiedBy(orders) (bool, []Violation)")

	ts := decode[TestSpec](t, byKind[phase.TestSpec][0])
	assert.Equal(t, "validate-orders-tests", ts.Name)
	require.Len(t, ts.Cases, 3)
	assert.Equal(t, "Responses must arrive within 2 seconds.", ts.Cases[2].Given)

	res := decode[ResourceSpec](t, byKind[phase.ResourceSpec][0])
	assert.Equal(t, "validate-orders-rules", res.Name)
	assert.Equal(t, "config", res.Type)

	h.commit(phase.Create, out, true)
	assert.Equal(t, phase.Implement, h.project.CurrentPhase)
}

func TestCreate_RejectsComponentMissingFromPlan(t *testing.T) {
	h := newHarness(t)
	h.step(phase.Analyze, twoGoals)
	h.step(phase.Plan, "")

	designArt := *h.prior(phase.Create)
	design := decode[SolutionDesign](t, &designArt)
	design.Components = append(design.Components, Component{Name: "ghost", Responsibility: "haunt"})
	designArt.Payload, _ = json.Marshal(design)

	e, _ := h.reg.For(phase.Create)
	_, err := e.Run(context.Background(), Input{Project: h.project, Prior: &designArt})
	require.Error(t, err)
	assert.Equal(t, apmerr.InconsistentDesign, apmerr.KindOf(err))
	assert.Contains(t, err.Error(), `"ghost"`)
}

func TestCreate_PermanentFailureMarksBundleIncomplete(t *testing.T) {
	h := newHarness(t)
	h.step(phase.Analyze, twoGoals)
	h.step(phase.Plan, "")
	h.port.Fail(phase.Create, apmerr.Permanent, llmtest.Forever)

	out, err := h.run(phase.Create, "")
	require.NoError(t, err)
	assert.True(t, out.Incomplete)
	for _, a := range out.Artifacts {
		assert.True(t, a.Incomplete)
	}
}

func throughCreate(t *testing.T, h *harness) {
	t.Helper()
	h.step(phase.Analyze, twoGoals)
	h.step(phase.Plan, "")
	h.step(phase.Create, "")
}

func TestImplement_MergesUpdatesUntilComplete(t *testing.T) {
	h := newHarness(t)
	throughCreate(t, h)

	first, err := h.run(phase.Implement, "components:\n  validate-orders: implemented\n")
	require.NoError(t, err)
	r1 := decode[ImplementationReport](t, first.Artifacts[0])
	assert.Equal(t, OverallInProgress, r1.Overall)
	assert.False(t, first.Ready)
	assert.Equal(t, StatusImplemented, r1.Components[1].Status, "sorted by component name")
	assert.Equal(t, StatusPending, r1.Components[0].Status)
	for _, tc := range r1.Tests {
		assert.Equal(t, OutcomeNotRun, tc.Outcome)
	}
	h.commit(phase.Implement, first, false)

	second, err := h.run(phase.Implement, "components:\n  export-invoices-nightly: implemented\ntests:\n  \"*\": pass\n")
	require.NoError(t, err)
	r2 := decode[ImplementationReport](t, second.Artifacts[0])
	assert.Equal(t, OverallComplete, r2.Overall)
	assert.True(t, second.Ready)
	assert.Equal(t, first.Artifacts[0].Parent, second.Artifacts[0].Parent)
	assert.Contains(t, second.Summary, "complete: 2/2 components implemented, 2/2 tests passing")
	h.commit(phase.Implement, second, true)

	reports, err := h.st.QueryArtifacts(context.Background(), store.ArtifactFilter{Project: "proj-A", Kinds: []phase.Kind{phase.ImplementationReport}})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 2, reports[0].Version)
	assert.Equal(t, 1, reports[1].Version)
}

func TestImplement_BlockedWins(t *testing.T) {
	h := newHarness(t)
	throughCreate(t, h)
	out, err := h.run(phase.Implement, "components:\n  \"*\": implemented\n  validate-orders: blocked\ntests:\n  \"*\": pass\n")
	require.NoError(t, err)
	assert.Equal(t, OverallBlocked, decode[ImplementationReport](t, out.Artifacts[0]).Overall)
	assert.False(t, out.Ready)
}

func TestImplement_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	throughCreate(t, h)
	for _, in := range []string{
		"components:\n  nobody: implemented\n",
		"components:\n  validate-orders: finished\n",
		"tests:\n  nobody-tests: pass\n",
		"components: [",
	} {
		_, err := h.run(phase.Implement, in)
		assert.Equal(t, apmerr.InconsistentDesign, apmerr.KindOf(err), in)
	}
}

func TestReflect_ClosesCycle(t *testing.T) {
	h := newHarness(t)
	throughCreate(t, h)
	h.step(phase.Implement, "components:\n  \"*\": implemented\ntests:\n  \"*\": pass\n")

	out, err := h.run(phase.Reflect, "")
	require.NoError(t, err)
	r := decode[ReflectionReport](t, out.Artifacts[0])
	assert.Equal(t, []string{"Export invoices nightly.", "Automatically validate incoming orders."}, r.AchievedGoals)
	assert.Empty(t, r.Deviations)
	require.Len(t, r.Lessons, 2)
	assert.Equal(t, "export-invoices-nightly", r.Lessons[0].Component)
	require.NotEmpty(t, r.NextCycleHints)
	assert.True(t, strings.HasPrefix(r.NextCycleHints[0], "Resolve open clarification: "))

	h.commit(phase.Reflect, out, true)
	assert.Equal(t, phase.Analyze, h.project.CurrentPhase)
	assert.Equal(t, 2, h.project.Cycle)

	next, err := h.run(phase.Analyze, "Add fraud screening for orders.")
	require.NoError(t, err)
	assert.Equal(t, out.Artifacts[0].ID, next.Artifacts[0].Parent)
	assert.Equal(t, r.NextCycleHints, decode[RequirementAnalysis](t, next.Artifacts[0]).Hints[:len(r.NextCycleHints)])
}

func TestReflectOn_Deviations(t *testing.T) {
	report := ImplementationReport{
		Components: []ComponentStatus{
			{Component: "a", Status: StatusImplemented},
			{Component: "b", Status: StatusBlocked},
			{Component: "c", Status: StatusPending},
		},
		Tests: []TestOutcome{
			{Test: "a-tests", Component: "a", Outcome: OutcomeFail},
		},
	}
	components := map[string]Component{
		"a": {Name: "a", Goal: "Goal A.", Patterns: []string{"Repository"}},
		"b": {Name: "b", Goal: "Goal B."},
		"c": {Name: "c", Goal: "Goal C."},
	}
	r := reflectOn(report, components, nil, 4, 3)
	assert.Equal(t, []string{"Goal A."}, r.AchievedGoals)
	assert.Equal(t, []string{
		"Test a-tests ended fail.",
		"b is blocked.",
		"c was not implemented.",
		"Implementation took 4 rounds for 3 planned milestones.",
	}, r.Deviations)
	assert.Equal(t, "a needs stronger tests before sign-off.", r.Lessons[0].Text)
	assert.Equal(t, []string{
		"Fix failing tests of a.",
		"Revisit blocked component b: Goal B.",
		"Carry over c: Goal C.",
	}, r.NextCycleHints)
}
