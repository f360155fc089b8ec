package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

const (
	maxClarifications = 5
	maxMemoryHints    = 3

	// QuestionUnderspecified is raised for an empty requirement.
	QuestionUnderspecified = "requirement underspecified: which outcome should this project deliver?"
	questionNoGoal         = "No goal stated: what outcome should this requirement deliver?"
)

// Analyzer turns a free-form requirement into a RequirementAnalysis.
type Analyzer struct{ base }

type analyzeData struct {
	Project     string
	Requirement string
	Goals       []string
	Constraints []string
	Hints       []string
}

// Run implements Engine.
func (e *Analyzer) Run(ctx context.Context, in Input) (*Output, error) {
	if in.Project == nil {
		return nil, apmerr.New(apmerr.Engine, "analyze without project")
	}
	project := in.Project.ID
	text := strings.TrimSpace(in.Text)
	st := extractStatements(text)

	queries := []retrieval.Query{{Filter: retrieval.Filter{
		Project:    project,
		Kinds:      []phase.Kind{phase.ReflectionReport},
		Categories: []store.Category{store.CategoryReflection},
	}}}
	if text != "" {
		queries = append(queries, retrieval.Query{Text: text, Filter: retrieval.Filter{Project: project}})
	}
	hits, degraded, err := e.compose(ctx, queries...)
	if err != nil {
		return nil, err
	}

	hints, err := e.hints(ctx, in.Prior, reflectionHits(hits))
	if err != nil {
		return nil, err
	}

	art, err := e.newArtifact(in, phase.RequirementAnalysis, "", "", struct{}{})
	if err != nil {
		return nil, err
	}

	var questions []Clarification
	switch {
	case text == "":
		questions = append(questions, Clarification{Question: QuestionUnderspecified})
	default:
		if len(st.Goals) == 0 {
			questions = append(questions, Clarification{Question: questionNoGoal})
		}
		ungrounded, err := e.ungrounded(ctx, project, text, hits, hints)
		if err != nil {
			return nil, err
		}
		for _, term := range ungrounded {
			questions = append(questions, Clarification{
				Term:     term,
				Question: fmt.Sprintf("What does %q refer to, and which system or document defines it?", term),
			})
		}
	}
	if len(questions) > maxClarifications {
		questions = questions[:maxClarifications]
	}
	items := make([]*store.ClarificationItem, len(questions))
	for i := range questions {
		questions[i].ID = store.NewID()
		items[i] = &store.ClarificationItem{ID: questions[i].ID, Project: project, ArtifactRef: art.ID, Question: questions[i].Question}
	}

	narrative, incomplete, err := e.narrate(ctx, TaskSummarizeRequirement, analyzeData{
		Project: project, Requirement: text, Goals: st.Goals, Constraints: st.Constraints, Hints: hints,
	}, hitTexts(hits))
	if err != nil {
		return nil, err
	}

	payload := RequirementAnalysis{
		Requirement:    text,
		Goals:          nonNil(st.Goals),
		Constraints:    nonNil(st.Constraints),
		NonGoals:       nonNil(st.NonGoals),
		Rationale:      st.Rationale,
		Hints:          hints,
		Clarifications: questions,
		Narrative:      narrative,
	}
	if art.Payload, err = marshalPayload(payload); err != nil {
		return nil, apmerr.Wrap(apmerr.Engine, err, "encode analysis")
	}
	art.Summary = analysisSummary(st.Goals)
	art.References = hitRefs(hits)
	stamp([]*store.Artifact{art}, incomplete, degraded)

	open := make([]string, len(questions))
	for i, q := range questions {
		open[i] = q.Question
	}
	achievements := make([]string, 0, len(st.Goals)+len(st.Constraints))
	for _, g := range st.Goals {
		achievements = append(achievements, "Goal: "+g)
	}
	for _, c := range st.Constraints {
		achievements = append(achievements, "Constraint: "+c)
	}
	var extra []string
	for _, h := range hints {
		extra = append(extra, "Hint from the last cycle: "+h)
	}
	for _, n := range st.NonGoals {
		extra = append(extra, "Non-goal: "+n)
	}

	return &Output{
		Artifacts:      []*store.Artifact{art},
		Clarifications: items,
		Incomplete:     incomplete,
		Degraded:       degraded,
		Ready:          true,
		Summary:        art.Summary,
		Brief: handover.Sections{
			Purpose: "Hand the analysed requirement to PLAN.",
			Status: fmt.Sprintf("%d goals, %d constraints, %d non-goals, %d open clarifications.",
				len(st.Goals), len(st.Constraints), len(st.NonGoals), len(questions)),
			Achievements: achievements,
			OpenItems:    open,
			NextSteps: []string{
				"Derive one component and milestone per goal.",
				"Answer open clarifications before CREATE; unanswered ones become plan risks.",
			},
			Notes: notes(incomplete, degraded, narrative, extra...),
		},
	}, nil
}

// hints collects nextCycleHints from the prior ReflectionReport and from
// reflection hits. Memory hits contribute their leading sentences.
func (e *Analyzer) hints(ctx context.Context, prior *store.Artifact, hits []retrieval.Hit) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(a *store.Artifact) error {
		if a == nil || a.Kind != phase.ReflectionReport || seen[a.ID] {
			return nil
		}
		seen[a.ID] = true
		var r ReflectionReport
		if err := a.Decode(&r); err != nil {
			return apmerr.Wrap(apmerr.InconsistentDesign, err, "reflection report "+a.ID)
		}
		out = append(out, r.NextCycleHints...)
		return nil
	}
	if err := add(prior); err != nil {
		return nil, err
	}
	for _, h := range hits {
		switch h.Source {
		case retrieval.SourceArtifact:
			a, err := e.deps.Store.GetArtifact(ctx, h.ID)
			if err != nil {
				return nil, err
			}
			if err := add(a); err != nil {
				return nil, err
			}
		case retrieval.SourceMemory:
			sentences := llm.SplitSentences(h.Text)
			if len(sentences) > maxMemoryHints {
				sentences = sentences[:maxMemoryHints]
			}
			out = append(out, sentences...)
		}
	}
	return dedupe(out), nil
}

// reflectionHits keeps the hits that come from reflection reports or
// reflection memories.
func reflectionHits(hits []retrieval.Hit) []retrieval.Hit {
	var out []retrieval.Hit
	for _, h := range hits {
		if h.Kind == phase.ReflectionReport || h.Category == store.CategoryReflection {
			out = append(out, h)
		}
	}
	return out
}

// ungrounded returns key terms of text that appear neither in the project's
// artifacts, nor in retrieval hits, nor in answered clarifications.
func (e *Analyzer) ungrounded(ctx context.Context, project, text string, hits []retrieval.Hit, hints []string) ([]string, error) {
	vocab := make(map[string]bool)
	addText := func(s string) {
		for _, w := range llm.Tokenize(s) {
			vocab[w] = true
		}
	}
	arts, err := e.deps.Store.QueryArtifacts(ctx, store.ArtifactFilter{Project: project, LatestOnly: true})
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		addText(retrieval.ArtifactText(a))
	}
	for _, h := range hits {
		addText(h.Text)
	}
	for _, h := range hints {
		addText(h)
	}
	answered, err := e.deps.Store.ListClarifications(ctx, project, store.ClarificationFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range answered {
		if c.Resolved {
			addText(c.Question + " " + c.Answer)
		}
	}

	var out []string
	for _, t := range keyTerms(text) {
		if !vocab[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

func analysisSummary(goals []string) string {
	if len(goals) == 0 {
		return "Requirement underspecified; no goal stated."
	}
	return "Goals: " + strings.Join(goals, " ")
}

// notes lists the handover notes shared by all phases.
func notes(incomplete, degraded bool, narrative string, extra ...string) []string {
	var out []string
	if incomplete {
		out = append(out, "Incomplete: the language model failed permanently; narrative is missing.")
	}
	if degraded {
		out = append(out, "Degraded: retrieval was unavailable; grounding may be missing.")
	}
	out = append(out, extra...)
	if narrative = strings.TrimSpace(narrative); narrative != "" {
		out = append(out, "Narrative: "+narrative)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
