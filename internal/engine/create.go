package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

var patternRationale = map[string]string{
	"Specification":      "Keeps each business rule a separate, composable predicate.",
	"Publish-Subscribe":  "Decouples producers of incoming items from their consumers.",
	"Repository":         "Hides persistence behind a collection-like interface.",
	"Adapter":            "Isolates external systems behind a local interface.",
	"Builder":            "Assembles output documents step by step.",
	"State Machine":      "Makes allowed status transitions explicit.",
	"Scheduler":          "Runs work on a fixed cadence independent of callers.",
	"Retry with Backoff": "Absorbs transient failures of dependencies.",
	"Cache-Aside":        "Serves repeated reads without hitting the source.",
	PatternDefault:       "Groups the use case behind one application service.",
}

// patternOps lists the operations a pattern contributes to a CodeSpec.
// {in} is the component input, {out} its output.
var patternOps = map[string][]string{
	"Specification":      {"IsSatisfiedBy({in}) (bool, []Violation)"},
	"Publish-Subscribe":  {"Subscribe(handler func({in})) error", "Publish({out}) error"},
	"Repository":         {"Save({in}) error", "FindByID(id string) ({in}, error)"},
	"Adapter":            {"Fetch() ([]{in}, error)", "Push({out}) error"},
	"Builder":            {"Build({in}) ({out}, error)"},
	"State Machine":      {"Transition({in}, event string) (state string, error)"},
	"Scheduler":          {"RunScheduled(now time.Time) error"},
	"Retry with Backoff": {"WithRetry(op func() error) error"},
	"Cache-Aside":        {"Get(key string) ({out}, bool)", "Invalidate(key string)"},
	PatternDefault:       {"Execute({in}) ({out}, error)"},
}

// Creator turns a SolutionDesign into the CREATE bundle.
type Creator struct{ base }

type createData struct {
	Project    string
	Components []Component
}

// Run implements Engine.
func (e *Creator) Run(ctx context.Context, in Input) (*Output, error) {
	if err := requirePrior(in, phase.SolutionDesign); err != nil {
		return nil, err
	}
	var design SolutionDesign
	if err := in.Prior.Decode(&design); err != nil {
		return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "solution design "+in.Prior.ID)
	}
	project := in.Project.ID

	plan, err := e.plan(ctx, in.Prior, design)
	if err != nil {
		return nil, err
	}
	milestoneOf, err := checkCoverage(in.Prior.ID, design, plan)
	if err != nil {
		return nil, err
	}
	var constraints []string
	if raArt, err := e.ancestor(ctx, in.Prior, phase.RequirementAnalysis); err == nil {
		var ra RequirementAnalysis
		if err := raArt.Decode(&ra); err == nil {
			constraints = ra.Constraints
		}
	} else if !apmerr.Is(err, apmerr.PreconditionMissing) {
		return nil, err
	}

	responsibilities := make([]string, len(design.Components))
	for i, c := range design.Components {
		responsibilities[i] = c.Responsibility
	}
	hits, degraded, err := e.similar(ctx, retrieval.Query{
		Text:   strings.Join(responsibilities, " "),
		Filter: retrieval.Filter{Project: project, Categories: []store.Category{store.CategoryCreative, store.CategoryValidation}},
	})
	if err != nil {
		return nil, err
	}
	narrative, incomplete, err := e.narrate(ctx, TaskSpecifyComponents, createData{Project: project, Components: design.Components}, hitTexts(hits))
	if err != nil {
		return nil, err
	}

	designID := in.Prior.ID
	var codes, tests, resources, patterns []*store.Artifact
	resourceUsers := make(map[string][]string)
	var resourceOrder []string
	patternUsers := make(map[string][]string)
	var patternOrder []string

	for _, c := range design.Components {
		input, output := first(c.Inputs, "request"), first(c.Outputs, "result")
		spec := CodeSpec{
			Design:         designID,
			Component:      c.Name,
			Responsibility: c.Responsibility,
			Operations:     operations(c.Patterns, input, output),
			Inputs:         nonNil(c.Inputs),
			Outputs:        nonNil(c.Outputs),
			Patterns:       nonNil(c.Patterns),
			Milestone:      milestoneOf[c.Name],
			Notes:          narrative,
		}
		a, err := e.newArtifact(in, phase.CodeSpec, c.Name, "CodeSpec for "+c.Name, spec)
		if err != nil {
			return nil, err
		}
		codes = append(codes, a)

		ts := TestSpec{Design: designID, Name: c.Name + "-tests", Component: c.Name, Cases: testCases(input, output, constraints)}
		if a, err = e.newArtifact(in, phase.TestSpec, c.Name, fmt.Sprintf("%d test cases for %s", len(ts.Cases), c.Name), ts); err != nil {
			return nil, err
		}
		tests = append(tests, a)

		for _, r := range c.Resources {
			if _, ok := resourceUsers[r]; !ok {
				resourceOrder = append(resourceOrder, r)
			}
			resourceUsers[r] = append(resourceUsers[r], c.Name)
		}
		for _, p := range c.Patterns {
			if _, ok := patternUsers[p]; !ok {
				patternOrder = append(patternOrder, p)
			}
			patternUsers[p] = append(patternUsers[p], c.Name)
		}
	}
	for _, r := range resourceOrder {
		spec := ResourceSpec{Design: designID, Name: r, Type: resourceType(r, resourceUsers[r]), Components: resourceUsers[r]}
		a, err := e.newArtifact(in, phase.ResourceSpec, r, fmt.Sprintf("%s resource %s", spec.Type, r), spec)
		if err != nil {
			return nil, err
		}
		resources = append(resources, a)
	}
	for _, p := range patternOrder {
		spec := DesignPatternSpec{Design: designID, Name: p, Rationale: patternRationale[p], Components: patternUsers[p]}
		a, err := e.newArtifact(in, phase.DesignPattern, p, fmt.Sprintf("%s for %s", p, strings.Join(patternUsers[p], ", ")), spec)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, a)
	}

	var arts []*store.Artifact
	arts = append(arts, codes...)
	arts = append(arts, resources...)
	arts = append(arts, patterns...)
	arts = append(arts, tests...)
	refs := hitRefs(hits)
	for _, a := range arts {
		a.References = refs
	}
	stamp(arts, incomplete, degraded)

	summary := fmt.Sprintf("CREATE bundle: %d code specs, %d resource specs, %d design patterns, %d test specs.",
		len(codes), len(resources), len(patterns), len(tests))
	var next []string
	for _, c := range design.Components {
		next = append(next, "Implement "+c.Name+" and report its status and test outcome.")
	}
	return &Output{
		Artifacts:  arts,
		Incomplete: incomplete,
		Degraded:   degraded,
		Ready:      true,
		Summary:    summary,
		Brief: handover.Sections{
			Purpose:      "Hand the component specifications to IMPLEMENT.",
			Status:       summary,
			Achievements: bundleAchievements(resourceOrder, patternOrder),
			NextSteps:    next,
			Notes:        notes(incomplete, degraded, narrative),
		},
	}, nil
}

// plan loads the ProjectPlan the design was derived from.
func (e *Creator) plan(ctx context.Context, designArt *store.Artifact, design SolutionDesign) (*ProjectPlan, error) {
	var planArt *store.Artifact
	var err error
	if design.Plan != "" {
		planArt, err = e.deps.Store.GetArtifact(ctx, design.Plan)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apmerr.New(apmerr.InconsistentDesign, "design %s references missing plan %s; re-run PLAN", designArt.ID, design.Plan)
		}
	} else {
		planArt, err = e.deps.Store.LatestArtifact(ctx, designArt.Project, phase.ProjectPlan)
	}
	if err != nil {
		return nil, err
	}
	if planArt == nil {
		return nil, apmerr.New(apmerr.PreconditionMissing, "no ProjectPlan for project %s", designArt.Project)
	}
	if planArt.Project != designArt.Project || planArt.Kind != phase.ProjectPlan {
		return nil, apmerr.New(apmerr.InconsistentDesign, "design %s references %s %s of project %s", designArt.ID, planArt.Kind, planArt.ID, planArt.Project)
	}
	var plan ProjectPlan
	if err := planArt.Decode(&plan); err != nil {
		return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "project plan "+planArt.ID)
	}
	return &plan, nil
}

// checkCoverage verifies every design component is scheduled by a milestone
// and returns the milestone id per component.
func checkCoverage(designID string, design SolutionDesign, plan *ProjectPlan) (map[string]string, error) {
	if len(design.Components) == 0 {
		return nil, apmerr.New(apmerr.InconsistentDesign, "design %s has no components; re-run PLAN", designID)
	}
	milestoneOf := make(map[string]string)
	for _, m := range plan.Milestones {
		for _, c := range m.Components {
			if _, ok := milestoneOf[c]; !ok {
				milestoneOf[c] = m.ID
			}
		}
	}
	seen := make(map[string]bool)
	for _, c := range design.Components {
		if seen[c.Name] {
			return nil, apmerr.New(apmerr.InconsistentDesign, "design %s names component %q twice; re-run PLAN", designID, c.Name)
		}
		seen[c.Name] = true
		if _, ok := milestoneOf[c.Name]; !ok {
			return nil, apmerr.New(apmerr.InconsistentDesign, "component %q of design %s is not in the ProjectPlan; re-run PLAN", c.Name, designID)
		}
	}
	return milestoneOf, nil
}

func operations(patterns []string, input, output string) []string {
	r := strings.NewReplacer("{in}", input, "{out}", output)
	var out []string
	for _, p := range patterns {
		for _, op := range patternOps[p] {
			out = append(out, r.Replace(op))
		}
	}
	if len(out) == 0 {
		for _, op := range patternOps[PatternDefault] {
			out = append(out, r.Replace(op))
		}
	}
	return dedupe(out)
}

func testCases(input, output string, constraints []string) []TestCase {
	cases := []TestCase{
		{Name: "accepts valid " + input, Given: "a well-formed " + input, Expect: output + " is produced"},
		{Name: "rejects malformed " + input, Given: "a malformed " + input, Expect: "an error and no " + output},
	}
	for i, c := range constraints {
		cases = append(cases, TestCase{Name: fmt.Sprintf("honours constraint %d", i+1), Given: c, Expect: "the constraint holds"})
	}
	return cases
}

// resourceType derives the type from the resource suffix after the owning
// component's name.
func resourceType(resource string, users []string) string {
	for _, u := range users {
		if suffix, ok := strings.CutPrefix(resource, u+"-"); ok {
			if t, ok := resourceTypes[suffix]; ok {
				return t
			}
		}
	}
	return "config"
}

func first(s []string, fallback string) string {
	if len(s) == 0 || s[0] == "" {
		return fallback
	}
	return s[0]
}

func bundleAchievements(resources, patterns []string) []string {
	out := make([]string, 0, len(resources)+len(patterns))
	for _, r := range resources {
		out = append(out, "Resource "+r)
	}
	for _, p := range patterns {
		out = append(out, "Pattern "+p)
	}
	return out
}
