package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/handover"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Wildcard matches every component or test in a StatusUpdate.
const Wildcard = "*"

// StatusUpdate is the operator input of IMPLEMENT:
//
//	components:
//	  order-validator: implemented
//	  "*": pending
//	tests:
//	  "*": pass
//
// Specific names win over the wildcard. Omitted entries keep their last status.
type StatusUpdate struct {
	Components map[string]string `yaml:"components"`
	Tests      map[string]string `yaml:"tests"`
}

// ParseStatusUpdate reads a YAML status update. Empty text is an empty update.
func ParseStatusUpdate(text string) (StatusUpdate, error) {
	var u StatusUpdate
	if strings.TrimSpace(text) == "" {
		return u, nil
	}
	if err := yaml.Unmarshal([]byte(text), &u); err != nil {
		return u, apmerr.Wrap(apmerr.InconsistentDesign, err, "invalid implementation status input")
	}
	for name, s := range u.Components {
		if !validStatus(s) {
			return u, apmerr.New(apmerr.InconsistentDesign, "component %q: status %q is not one of pending, implemented, blocked", name, s)
		}
	}
	for name, o := range u.Tests {
		if !validOutcome(o) {
			return u, apmerr.New(apmerr.InconsistentDesign, "test %q: outcome %q is not one of pass, fail, not-run", name, o)
		}
	}
	return u, nil
}

func validStatus(s string) bool {
	return s == StatusPending || s == StatusImplemented || s == StatusBlocked
}

func validOutcome(s string) bool {
	return s == OutcomePass || s == OutcomeFail || s == OutcomeNotRun
}

// Implementer records implementation progress against the CREATE bundle.
type Implementer struct{ base }

type implementData struct {
	Project    string
	Components []ComponentStatus
	Tests      []TestOutcome
}

// Run implements Engine.
func (e *Implementer) Run(ctx context.Context, in Input) (*Output, error) {
	if err := requirePrior(in, phase.Kinds(phase.Create)...); err != nil {
		return nil, err
	}
	update, err := ParseStatusUpdate(in.Text)
	if err != nil {
		return nil, err
	}
	project := in.Project.ID
	design, err := e.ancestor(ctx, in.Prior, phase.SolutionDesign)
	if err != nil {
		return nil, err
	}

	bundle, err := e.deps.Store.QueryArtifacts(ctx, store.ArtifactFilter{
		Project:    project,
		Kinds:      []phase.Kind{phase.CodeSpec, phase.TestSpec},
		LatestOnly: true,
		Ascending:  true,
	})
	if err != nil {
		return nil, err
	}
	var codes, tests []*store.Artifact
	for _, a := range bundle {
		if a.Parent != design.ID {
			continue
		}
		switch a.Kind {
		case phase.CodeSpec:
			codes = append(codes, a)
		case phase.TestSpec:
			tests = append(tests, a)
		}
	}
	if len(codes) == 0 {
		return nil, apmerr.New(apmerr.PreconditionMissing, "no CodeSpec for design %s", design.ID)
	}
	sortBySubject(codes)
	sortBySubject(tests)

	previous, err := e.previousReport(ctx, project, design.ID)
	if err != nil {
		return nil, err
	}
	report, err := mergeReport(design.ID, codes, tests, previous, update)
	if err != nil {
		return nil, err
	}
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	narrative, incomplete, err := e.narrate(ctx, TaskSummarizeProgress,
		implementData{Project: project, Components: report.Components, Tests: report.Tests}, nil)
	if err != nil {
		return nil, err
	}
	report.Narrative = narrative

	implemented, passing := 0, 0
	var achievements, open []string
	for _, c := range report.Components {
		if c.Status == StatusImplemented {
			implemented++
			achievements = append(achievements, c.Component+" implemented")
		} else {
			open = append(open, c.Component+" is "+c.Status)
		}
	}
	for _, t := range report.Tests {
		if t.Outcome == OutcomePass {
			passing++
			achievements = append(achievements, t.Test+" pass")
		} else {
			open = append(open, t.Test+" "+t.Outcome)
		}
	}
	summary := fmt.Sprintf("%s: %d/%d components implemented, %d/%d tests passing",
		report.Overall, implemented, len(report.Components), passing, len(report.Tests))

	art, err := e.newArtifact(in, phase.ImplementationReport, "", summary, report)
	if err != nil {
		return nil, err
	}
	stamp([]*store.Artifact{art}, incomplete, false)

	next := []string{"Report progress with another IMPLEMENT run until every component is implemented and every test passes."}
	if report.Overall == OverallComplete {
		next = []string{"Reflect on achieved goals, deviations and lessons."}
	}
	return &Output{
		Artifacts:  []*store.Artifact{art},
		Incomplete: incomplete,
		Ready:      report.Overall == OverallComplete,
		Summary:    summary,
		Brief: handover.Sections{
			Purpose:      "Hand the completed implementation to REFLECT.",
			Status:       summary,
			Achievements: achievements,
			OpenItems:    open,
			NextSteps:    next,
			Notes:        notes(incomplete, false, narrative),
		},
	}, nil
}

// previousReport returns the latest report for design, if any.
func (e *Implementer) previousReport(ctx context.Context, project, designID string) (*ImplementationReport, error) {
	reports, err := e.deps.Store.QueryArtifacts(ctx, store.ArtifactFilter{Project: project, Kinds: []phase.Kind{phase.ImplementationReport}})
	if err != nil {
		return nil, err
	}
	for _, a := range reports {
		var r ImplementationReport
		if err := a.Decode(&r); err != nil {
			return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "implementation report "+a.ID)
		}
		if r.Design == designID {
			return &r, nil
		}
	}
	return nil, nil
}

// mergeReport layers update over the previous report. Names in update that
// match nothing in the bundle are rejected.
func mergeReport(designID string, codes, tests []*store.Artifact, previous *ImplementationReport, update StatusUpdate) (ImplementationReport, error) {
	prevStatus := make(map[string]string)
	prevOutcome := make(map[string]string)
	if previous != nil {
		for _, c := range previous.Components {
			prevStatus[c.Component] = c.Status
		}
		for _, t := range previous.Tests {
			prevOutcome[t.Test] = t.Outcome
		}
	}

	known := map[string]bool{Wildcard: true}
	r := ImplementationReport{Design: designID, Components: []ComponentStatus{}, Tests: []TestOutcome{}}
	for _, a := range codes {
		name := a.Subject
		known[name] = true
		status := StatusPending
		if s, ok := prevStatus[name]; ok {
			status = s
		}
		if s, ok := update.Components[Wildcard]; ok {
			status = s
		}
		if s, ok := update.Components[name]; ok {
			status = s
		}
		r.Components = append(r.Components, ComponentStatus{Component: name, CodeSpec: a.ID, Status: status})
	}
	for name := range update.Components {
		if !known[name] {
			return r, apmerr.New(apmerr.InconsistentDesign, "status for unknown component %q", name)
		}
	}

	knownTests := map[string]bool{Wildcard: true}
	for _, a := range tests {
		var spec TestSpec
		if err := a.Decode(&spec); err != nil {
			return r, apmerr.Wrap(apmerr.InconsistentDesign, err, "test spec "+a.ID)
		}
		name := spec.Name
		if name == "" {
			name = a.Subject + "-tests"
		}
		knownTests[name] = true
		knownTests[spec.Component] = true
		outcome := OutcomeNotRun
		if o, ok := prevOutcome[name]; ok {
			outcome = o
		}
		if o, ok := update.Tests[Wildcard]; ok {
			outcome = o
		}
		if o, ok := update.Tests[spec.Component]; ok {
			outcome = o
		}
		if o, ok := update.Tests[name]; ok {
			outcome = o
		}
		r.Tests = append(r.Tests, TestOutcome{Test: name, Component: spec.Component, TestSpec: a.ID, Outcome: outcome})
	}
	for name := range update.Tests {
		if !knownTests[name] {
			return r, apmerr.New(apmerr.InconsistentDesign, "outcome for unknown test %q", name)
		}
	}

	r.Overall = overall(r)
	return r, nil
}

func overall(r ImplementationReport) string {
	complete := true
	for _, c := range r.Components {
		if c.Status == StatusBlocked {
			return OverallBlocked
		}
		if c.Status != StatusImplemented {
			complete = false
		}
	}
	for _, t := range r.Tests {
		if t.Outcome != OutcomePass {
			complete = false
		}
	}
	if complete {
		return OverallComplete
	}
	return OverallInProgress
}

func sortBySubject(arts []*store.Artifact) {
	sort.SliceStable(arts, func(i, j int) bool { return arts[i].Subject < arts[j].Subject })
}
