package engine

import (
	"context"
	"encoding/json"
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
	// PatternDefault applies when no catalog keyword matches.
	PatternDefault = "Service Layer"

	maxNameTerms     = 3
	integrationName  = "Integrate and verify"
	discoveryName    = "requirement-discovery"
	discoveryPurpose = "Clarify the requirement and establish a first deliverable goal."
)

// patternCatalog maps goal vocabulary to a design pattern and the resource
// the pattern needs. Order decides pattern order in the design.
var patternCatalog = []struct {
	keywords     []string
	pattern      string
	resource     string
	resourceType string
}{
	{[]string{"validate", "validation", "verify", "check", "checks", "rule", "rules", "approve", "approval"}, "Specification", "rules", "config"},
	{[]string{"incoming", "event", "events", "notify", "notification", "notifications", "webhook", "queue", "message", "messages", "stream"}, "Publish-Subscribe", "queue", "queue"},
	{[]string{"store", "persist", "save", "database", "record", "records", "history", "archive", "track"}, "Repository", "table", "database"},
	{[]string{"import", "export", "sync", "integrate", "integration", "api", "external", "erp", "upload"}, "Adapter", "client", "api-client"},
	{[]string{"report", "reports", "dashboard", "summary", "document", "documents", "generate", "render", "pdf", "invoice", "invoices"}, "Builder", "template", "template"},
	{[]string{"workflow", "status", "state", "lifecycle", "escalate", "escalation"}, "State Machine", "states", "table"},
	{[]string{"schedule", "scheduled", "nightly", "daily", "weekly", "batch", "periodic", "cron"}, "Scheduler", "schedule", "cron-job"},
	{[]string{"retry", "retries", "failure", "failures", "resilient", "resilience", "timeout", "fallback"}, "Retry with Backoff", "retry-policy", "config"},
	{[]string{"cache", "caching", "latency", "fast", "performance"}, "Cache-Aside", "cache", "cache"},
}

// ResourceTypes maps a resource suffix to its type.
var resourceTypes = func() map[string]string {
	m := map[string]string{"config": "config"}
	for _, p := range patternCatalog {
		m[p.resource] = p.resourceType
	}
	return m
}()

// Planner turns a RequirementAnalysis into a ProjectPlan and a SolutionDesign.
type Planner struct{ base }

type planData struct {
	Project     string
	Goals       []string
	Constraints []string
}

// Run implements Engine.
func (e *Planner) Run(ctx context.Context, in Input) (*Output, error) {
	if err := requirePrior(in, phase.RequirementAnalysis); err != nil {
		return nil, err
	}
	var ra RequirementAnalysis
	if err := in.Prior.Decode(&ra); err != nil {
		return nil, apmerr.Wrap(apmerr.InconsistentDesign, err, "requirement analysis "+in.Prior.ID)
	}
	project := in.Project.ID

	open, err := e.deps.Store.ListClarifications(ctx, project, store.ClarificationFilter{ArtifactRef: in.Prior.ID, UnresolvedOnly: true})
	if err != nil {
		return nil, err
	}
	risks := make([]Risk, len(open))
	for i, c := range open {
		risks[i] = Risk{Label: fmt.Sprintf("RISK-%d", i+1), Description: "Unresolved clarification: " + c.Question, Clarification: c.ID}
	}

	var hits []retrieval.Hit
	degraded := false
	if len(ra.Goals) > 0 {
		hits, degraded, err = e.similar(ctx, retrieval.Query{
			Text:   strings.Join(ra.Goals, " "),
			Filter: retrieval.Filter{Project: project, Categories: []store.Category{store.CategoryPlanning, store.CategoryCreative}},
		})
		if err != nil {
			return nil, err
		}
	}

	components := designComponents(ra.Goals)
	milestones := planMilestones(components, risks)

	narrative, incomplete, err := e.narrate(ctx, TaskOutlinePlan, planData{Project: project, Goals: ra.Goals, Constraints: ra.Constraints}, hitTexts(hits))
	if err != nil {
		return nil, err
	}
	if applyEffortRefinement(narrative, milestones) {
		narrative = ""
	}

	planArt, err := e.newArtifact(in, phase.ProjectPlan, "", fmt.Sprintf("%d milestones, %d risks", len(milestones), len(risks)),
		ProjectPlan{Requirement: in.Prior.ID, Milestones: milestones, Risks: risks, Narrative: narrative})
	if err != nil {
		return nil, err
	}
	names := componentNames(components)
	designArt, err := e.newArtifact(in, phase.SolutionDesign, "", fmt.Sprintf("%d components: %s", len(components), strings.Join(names, ", ")),
		SolutionDesign{Plan: planArt.ID, Components: components, Narrative: narrative})
	if err != nil {
		return nil, err
	}
	arts := []*store.Artifact{planArt, designArt}
	refs := hitRefs(hits)
	for _, a := range arts {
		a.References = refs
	}
	stamp(arts, incomplete, degraded)

	achievements := make([]string, 0, len(milestones)+len(components))
	for _, m := range milestones {
		achievements = append(achievements, fmt.Sprintf("%s %s (%d days)", m.ID, m.Name, m.EffortDays))
	}
	for _, c := range components {
		achievements = append(achievements, fmt.Sprintf("Component %s: %s", c.Name, strings.Join(c.Patterns, ", ")))
	}
	openItems := make([]string, len(risks))
	for i, r := range risks {
		openItems[i] = r.Label + ": " + r.Description
	}
	next := make([]string, 0, len(components))
	for _, c := range components {
		next = append(next, "Specify "+c.Name+" with code, resource, pattern and test specs.")
	}

	summary := fmt.Sprintf("Plan: %d milestones, %d risks; design: %s.", len(milestones), len(risks), strings.Join(names, ", "))
	return &Output{
		Artifacts:  arts,
		Incomplete: incomplete,
		Degraded:   degraded,
		Ready:      true,
		Summary:    summary,
		Brief: handover.Sections{
			Purpose:      "Hand the plan and solution design to CREATE.",
			Status:       summary,
			Achievements: achievements,
			OpenItems:    openItems,
			NextSteps:    next,
			Notes:        notes(incomplete, degraded, narrative),
		},
	}, nil
}

// designComponents derives one component per goal. Without goals a single
// discovery component keeps the design non-empty.
func designComponents(goals []string) []Component {
	if len(goals) == 0 {
		return []Component{{
			Name:           discoveryName,
			Responsibility: discoveryPurpose,
			Inputs:         []string{"requirement"},
			Outputs:        []string{"clarified requirement"},
			Patterns:       []string{PatternDefault},
			Resources:      []string{discoveryName + "-config"},
		}}
	}
	used := make(map[string]int)
	out := make([]Component, 0, len(goals))
	for _, g := range goals {
		name := kebab(g, maxNameTerms)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s-%d", name, n)
		}
		patterns, resources := patternsFor(g)
		for i, r := range resources {
			resources[i] = name + "-" + r
		}
		object := "request"
		if terms := keyTerms(g); len(terms) > 0 {
			object = terms[len(terms)-1]
		}
		out = append(out, Component{
			Name:           name,
			Goal:           g,
			Responsibility: g,
			Inputs:         []string{object},
			Outputs:        []string{object + " outcome"},
			Patterns:       patterns,
			Resources:      resources,
		})
	}
	return out
}

func patternsFor(goal string) (patterns, resources []string) {
	words := make(map[string]bool)
	for _, w := range llm.Tokenize(goal) {
		words[w] = true
	}
	for _, p := range patternCatalog {
		for _, k := range p.keywords {
			if words[k] {
				patterns = append(patterns, p.pattern)
				resources = append(resources, p.resource)
				break
			}
		}
	}
	if len(patterns) == 0 {
		return []string{PatternDefault}, []string{"config"}
	}
	return patterns, resources
}

// planMilestones orders one milestone per component, then an integration
// milestone depending on all of them. A component depends on earlier
// components that share a key term with it.
func planMilestones(components []Component, risks []Risk) []Milestone {
	out := make([]Milestone, 0, len(components)+1)
	var all []string
	for i, c := range components {
		id := fmt.Sprintf("M%d", i+1)
		effort := 1 + len(c.Patterns)
		for _, r := range risks {
			if mentionsAny(r.Description, keyTerms(c.Goal)) {
				effort++
			}
		}
		deps := []string{}
		for j := 0; j < i; j++ {
			if sharesTerm(components[j].Goal, c.Goal) {
				deps = append(deps, out[j].ID)
			}
		}
		out = append(out, Milestone{ID: id, Name: "Deliver " + c.Name, Components: []string{c.Name}, EffortDays: effort, DependsOn: deps})
		all = append(all, id)
	}
	integration := len(components)
	if integration < 1 {
		integration = 1
	}
	out = append(out, Milestone{
		ID:         fmt.Sprintf("M%d", len(components)+1),
		Name:       integrationName,
		Components: []string{},
		EffortDays: integration,
		DependsOn:  nonNil(all),
	})
	return out
}

// applyEffortRefinement applies {"effortDays": {"M1": 3}} replies. It reports
// whether text was such a refinement.
func applyEffortRefinement(text string, milestones []Milestone) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return false
	}
	var r struct {
		EffortDays map[string]int `json:"effortDays"`
	}
	if err := json.Unmarshal([]byte(text), &r); err != nil || r.EffortDays == nil {
		return false
	}
	for i := range milestones {
		if d, ok := r.EffortDays[milestones[i].ID]; ok && d > 0 {
			milestones[i].EffortDays = d
		}
	}
	return true
}

func sharesTerm(a, b string) bool {
	return mentionsAny(b, keyTerms(a))
}

func mentionsAny(text string, terms []string) bool {
	words := make(map[string]bool)
	for _, w := range llm.Tokenize(text) {
		words[w] = true
	}
	for _, t := range terms {
		if words[t] {
			return true
		}
	}
	return false
}

func componentNames(cs []Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}
