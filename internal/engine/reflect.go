package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Reflector closes a cycle with a ReflectionReport.
type Reflector struct{ base }

// Run implements Engine.
func (e *Reflector) Run(ctx context.Context, in Input) (*Output, error) {
	if err := requirePrior(in, phase.ImplementationReport); err != nil {
		return nil, err
	}
	var report ImplementationReport
	if err := in.Prior.Decode(&report); err != nil {
		return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "implementation report "+in.Prior.ID)
	}
	project := in.Project.ID

	chain, err := e.lineage(ctx, in.Prior)
	if err != nil {
		return nil, err
	}
	designArt, ok := chain[phase.SolutionDesign]
	if !ok {
		return nil, apmerr.New(apmerr.PreconditionMissing, "no SolutionDesign in the lineage of report %s", in.Prior.ID)
	}
	var design SolutionDesign
	if err := designArt.Decode(&design); err != nil {
		return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "solution design "+designArt.ID)
	}
	components := make(map[string]Component, len(design.Components))
	for _, c := range design.Components {
		components[c.Name] = c
	}

	var open []*store.ClarificationItem
	if raArt, ok := chain[phase.RequirementAnalysis]; ok {
		if open, err = e.deps.Store.ListClarifications(ctx, project, store.ClarificationFilter{ArtifactRef: raArt.ID, UnresolvedOnly: true}); err != nil {
			return nil, err
		}
	}
	rounds, err := e.rounds(ctx, project, designArt.ID)
	if err != nil {
		return nil, err
	}
	planned := 0
	if design.Plan != "" {
		if planArt, err := e.deps.Store.GetArtifact(ctx, design.Plan); err == nil {
			var plan ProjectPlan
			if planArt.Decode(&plan) == nil {
				planned = len(plan.Milestones)
			}
		}
	}

	r := reflectOn(report, components, open, rounds, planned)

	hits, degraded, err := e.similar(ctx, retrieval.Query{
		Text:   strings.Join(append(append([]string{}, r.AchievedGoals...), r.Deviations...), " "),
		Filter: retrieval.Filter{Project: project, Categories: []store.Category{store.CategoryReflection, store.CategoryValidation}},
	})
	if err != nil {
		return nil, err
	}
	narrative, incomplete, err := e.narrate(ctx, TaskReflectCycle, struct {
		Project string
		ReflectionReport
	}{project, r}, hitTexts(hits))
	if err != nil {
		return nil, err
	}
	r.Narrative = narrative

	summary := fmt.Sprintf("Reflection: %d goals achieved, %d deviations, %d hints for the next cycle.",
		len(r.AchievedGoals), len(r.Deviations), len(r.NextCycleHints))
	art, err := e.newArtifact(in, phase.ReflectionReport, "", summary, r)
	if err != nil {
		return nil, err
	}
	art.References = hitRefs(hits)
	stamp([]*store.Artifact{art}, incomplete, degraded)

	lessons := make([]string, len(r.Lessons))
	for i, l := range r.Lessons {
		lessons[i] = l.Component + ": " + l.Text
	}
	return &Output{
		Artifacts:  []*store.Artifact{art},
		Incomplete: incomplete,
		Degraded:   degraded,
		Ready:      true,
		Summary:    summary,
		Brief: handover.Sections{
			Purpose:      "Close the cycle and seed the next ANALYZE.",
			Status:       summary,
			Achievements: r.AchievedGoals,
			OpenItems:    r.Deviations,
			NextSteps:    r.NextCycleHints,
			Notes:        notes(incomplete, degraded, narrative, lessons...),
		},
	}, nil
}

// rounds counts the IMPLEMENT runs recorded for design.
func (e *Reflector) rounds(ctx context.Context, project, designID string) (int, error) {
	reports, err := e.deps.Store.QueryArtifacts(ctx, store.ArtifactFilter{Project: project, Kinds: []phase.Kind{phase.ImplementationReport}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range reports {
		var r ImplementationReport
		if a.Decode(&r) == nil && r.Design == designID {
			n++
		}
	}
	return n, nil
}

func reflectOn(report ImplementationReport, components map[string]Component, open []*store.ClarificationItem, rounds, planned int) ReflectionReport {
	r := ReflectionReport{AchievedGoals: []string{}, Deviations: []string{}, Lessons: []Lesson{}, NextCycleHints: []string{}}

	passing := make(map[string]bool)
	tested := make(map[string]bool)
	for _, t := range report.Tests {
		tested[t.Component] = true
		if t.Outcome == OutcomePass {
			if _, seen := passing[t.Component]; !seen {
				passing[t.Component] = true
			}
		} else {
			passing[t.Component] = false
			r.Deviations = append(r.Deviations, fmt.Sprintf("Test %s ended %s.", t.Test, t.Outcome))
			r.NextCycleHints = append(r.NextCycleHints, "Fix failing tests of "+t.Component+".")
		}
	}

	for _, cs := range report.Components {
		c := components[cs.Component]
		goal := c.Goal
		if goal == "" {
			goal = c.Responsibility
		}
		switch cs.Status {
		case StatusImplemented:
			if goal != "" {
				r.AchievedGoals = append(r.AchievedGoals, goal)
			}
			if !tested[cs.Component] || passing[cs.Component] {
				patterns := strings.Join(c.Patterns, ", ")
				if patterns == "" {
					patterns = "The chosen design"
				}
				r.Lessons = append(r.Lessons, Lesson{Component: cs.Component, Text: patterns + " worked for " + cs.Component + "."})
			} else {
				r.Lessons = append(r.Lessons, Lesson{Component: cs.Component, Text: cs.Component + " needs stronger tests before sign-off."})
			}
		case StatusBlocked:
			r.Deviations = append(r.Deviations, cs.Component+" is blocked.")
			r.Lessons = append(r.Lessons, Lesson{Component: cs.Component, Text: cs.Component + " was blocked; surface its dependencies during PLAN."})
			r.NextCycleHints = append(r.NextCycleHints, "Revisit blocked component "+cs.Component+": "+goal)
		default:
			r.Deviations = append(r.Deviations, cs.Component+" was not implemented.")
			r.Lessons = append(r.Lessons, Lesson{Component: cs.Component, Text: cs.Component + " slipped; plan it as its own milestone."})
			r.NextCycleHints = append(r.NextCycleHints, "Carry over "+cs.Component+": "+goal)
		}
	}

	if planned > 0 && rounds > planned {
		r.Deviations = append(r.Deviations, fmt.Sprintf("Implementation took %d rounds for %d planned milestones.", rounds, planned))
	}
	for _, c := range open {
		r.NextCycleHints = append(r.NextCycleHints, "Resolve open clarification: "+c.Question)
	}
	if len(r.NextCycleHints) == 0 {
		if len(r.AchievedGoals) > 0 {
			r.NextCycleHints = append(r.NextCycleHints, "Extend \""+strings.TrimSuffix(r.AchievedGoals[0], ".")+"\" with the next increment.")
		} else {
			r.NextCycleHints = append(r.NextCycleHints, "Restate the requirement with a concrete goal.")
		}
	}
	r.NextCycleHints = dedupe(r.NextCycleHints)
	return r
}
