package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Invariant rules checked by Verify.
const (
	RuleSingleActive    = "single-active-handover"
	RuleCurrentRef      = "current-handover-ref"
	RulePredecessor     = "predecessor-artifact"
	RuleSuccessor       = "handover-successor"
	RuleParentInProject = "parent-in-project"
)

// Violation is one broken invariant.
type Violation struct {
	Project string `json:"project"`
	Rule    string `json:"rule"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Subject == "" {
		return fmt.Sprintf("%s [%s] %s", v.Project, v.Rule, v.Message)
	}
	return fmt.Sprintf("%s [%s] %s: %s", v.Project, v.Rule, v.Subject, v.Message)
}

// Verify checks the persisted state of project against the workflow
// invariants. An empty result means the project is consistent.
func Verify(ctx context.Context, st *store.Store, project string) ([]Violation, error) {
	proj, err := st.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	var out []Violation
	add := func(rule, subject, format string, args ...any) {
		out = append(out, Violation{Project: project, Rule: rule, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	handovers, err := st.ListHandovers(ctx, project)
	if err != nil {
		return nil, err
	}
	var active []*store.Handover
	for _, h := range handovers {
		if h.Status == store.HandoverActive {
			active = append(active, h)
		}
		if !phase.IsSuccessor(h.FromPhase, h.ToPhase) {
			add(RuleSuccessor, h.ID, "handover %s -> %s skips the cycle", h.FromPhase, h.ToPhase)
		}
	}
	if len(active) > 1 {
		add(RuleSingleActive, "", "%d active handovers", len(active))
	}
	switch {
	case len(active) == 0 && proj.CurrentHandover != "":
		add(RuleCurrentRef, proj.CurrentHandover, "project references a handover that is not active")
	case len(active) == 1 && proj.CurrentHandover != active[0].ID:
		add(RuleCurrentRef, active[0].ID, "active handover is not the project's current handover %q", proj.CurrentHandover)
	}

	arts, err := st.QueryArtifacts(ctx, store.ArtifactFilter{Project: project, Ascending: true})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Artifact, len(arts))
	firstOf := make(map[phase.Phase]time.Time)
	for _, a := range arts {
		byID[a.ID] = a
		if _, ok := firstOf[a.Phase]; !ok {
			firstOf[a.Phase] = a.ProducedAt
		}
	}
	for _, a := range arts {
		if a.Phase != phase.Analyze {
			prev := phase.Prev(a.Phase)
			first, ok := firstOf[prev]
			if !ok || !first.Before(a.ProducedAt) {
				add(RulePredecessor, a.ID, "%s has no earlier %s artifact", a.Kind, prev)
			}
		}
		if a.Parent == "" {
			continue
		}
		if _, ok := byID[a.Parent]; !ok {
			add(RuleParentInProject, a.ID, "parent %s is not an artifact of this project", a.Parent)
		}
	}
	return out, nil
}
