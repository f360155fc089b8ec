// Package phase defines the workflow cycle and the artifact kinds each phase produces.
package phase

import (
	"fmt"
	"strings"
)

// Phase is one stage of the workflow cycle.
type Phase string

const (
	Analyze   Phase = "ANALYZE"
	Plan      Phase = "PLAN"
	Create    Phase = "CREATE"
	Implement Phase = "IMPLEMENT"
	Reflect   Phase = "REFLECT"
)

// Cycle is the total order of phases. After the last entry the cycle restarts.
var Cycle = []Phase{Analyze, Plan, Create, Implement, Reflect}

// Kind is the closed set of artifact kinds.
type Kind string

const (
	RequirementAnalysis  Kind = "RequirementAnalysis"
	ProjectPlan          Kind = "ProjectPlan"
	SolutionDesign       Kind = "SolutionDesign"
	CodeSpec             Kind = "CodeSpec"
	ResourceSpec         Kind = "ResourceSpec"
	DesignPattern        Kind = "DesignPattern"
	TestSpec             Kind = "TestSpec"
	ImplementationReport Kind = "ImplementationReport"
	ReflectionReport     Kind = "ReflectionReport"
)

var kindsByPhase = map[Phase][]Kind{
	Analyze:   {RequirementAnalysis},
	Plan:      {ProjectPlan, SolutionDesign},
	Create:    {CodeSpec, ResourceSpec, DesignPattern, TestSpec},
	Implement: {ImplementationReport},
	Reflect:   {ReflectionReport},
}

// Parse converts a case-insensitive name to a Phase.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if err := Validate(p); err != nil {
		return "", err
	}
	return p, nil
}

// Validate reports whether p is a member of the cycle.
func Validate(p Phase) error {
	if _, ok := kindsByPhase[p]; !ok {
		return fmt.Errorf("invalid phase %q: must be one of %s", string(p), joinPhases())
	}
	return nil
}

// Index returns the position of p in Cycle, or -1.
func Index(p Phase) int {
	for i, c := range Cycle {
		if c == p {
			return i
		}
	}
	return -1
}

// Next returns the successor of p in the cycle. REFLECT wraps to ANALYZE.
func Next(p Phase) Phase {
	i := Index(p)
	if i < 0 {
		return ""
	}
	return Cycle[(i+1)%len(Cycle)]
}

// Prev returns the predecessor of p in the cycle. ANALYZE wraps to REFLECT.
func Prev(p Phase) Phase {
	i := Index(p)
	if i < 0 {
		return ""
	}
	return Cycle[(i+len(Cycle)-1)%len(Cycle)]
}

// IsSuccessor reports whether to directly follows from in the cycle.
func IsSuccessor(from, to Phase) bool {
	return Index(from) >= 0 && Next(from) == to
}

// Kinds returns the artifact kinds produced by p.
func Kinds(p Phase) []Kind {
	out := make([]Kind, len(kindsByPhase[p]))
	copy(out, kindsByPhase[p])
	return out
}

// PhaseOf returns the phase that produces k.
func PhaseOf(k Kind) (Phase, bool) {
	for p, kinds := range kindsByPhase {
		for _, candidate := range kinds {
			if candidate == k {
				return p, true
			}
		}
	}
	return "", false
}

// ParseKind converts a name to a Kind, ignoring case.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(s)
	for _, p := range Cycle {
		for _, k := range kindsByPhase[p] {
			if strings.EqualFold(string(k), s) {
				return k, nil
			}
		}
	}
	return "", fmt.Errorf("invalid artifact kind %q", s)
}

// AdvancesWhenIncomplete reports whether an incomplete artifact still satisfies
// the minimal completeness of p.
func AdvancesWhenIncomplete(p Phase) bool {
	switch p {
	case Analyze, Plan, Reflect:
		return true
	default:
		return false
	}
}

func joinPhases() string {
	names := make([]string, len(Cycle))
	for i, p := range Cycle {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
