package engine

// Payloads are the JSON bodies of each artifact kind.

// RequirementAnalysis is produced by ANALYZE.
type RequirementAnalysis struct {
	Requirement    string          `json:"requirement"`
	Goals          []string        `json:"goals"`
	Constraints    []string        `json:"constraints"`
	NonGoals       []string        `json:"nonGoals"`
	Rationale      []string        `json:"rationale,omitempty"`
	Hints          []string        `json:"hints,omitempty"`
	Clarifications []Clarification `json:"clarifications"`
	Narrative      string          `json:"narrative,omitempty"`
}

// Clarification mirrors a stored ClarificationItem inside the analysis.
type Clarification struct {
	ID       string `json:"id"`
	Term     string `json:"term,omitempty"`
	Question string `json:"question"`
}

// ProjectPlan is produced by PLAN.
type ProjectPlan struct {
	Requirement string      `json:"requirement"`
	Milestones  []Milestone `json:"milestones"`
	Risks       []Risk      `json:"risks"`
	Narrative   string      `json:"narrative,omitempty"`
}

// Milestone is one ordered step of the plan.
type Milestone struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Components []string `json:"components"`
	EffortDays int      `json:"effortDays"`
	DependsOn  []string `json:"dependsOn"`
}

// Risk is a labelled plan risk, usually an unresolved clarification.
type Risk struct {
	Label         string `json:"label"`
	Description   string `json:"description"`
	Clarification string `json:"clarification,omitempty"`
}

// SolutionDesign is produced by PLAN alongside the ProjectPlan.
type SolutionDesign struct {
	Plan       string      `json:"plan"`
	Components []Component `json:"components"`
	Narrative  string      `json:"narrative,omitempty"`
}

// Component is a named unit of the design.
type Component struct {
	Name           string   `json:"name"`
	Goal           string   `json:"goal"`
	Responsibility string   `json:"responsibility"`
	Inputs         []string `json:"inputs"`
	Outputs        []string `json:"outputs"`
	Patterns       []string `json:"patterns"`
	Resources      []string `json:"resources"`
}

// CodeSpec specifies exactly one design component.
type CodeSpec struct {
	Design         string   `json:"design"`
	Component      string   `json:"component"`
	Responsibility string   `json:"responsibility"`
	Operations     []string `json:"operations"`
	Inputs         []string `json:"inputs"`
	Outputs        []string `json:"outputs"`
	Patterns       []string `json:"patterns"`
	Milestone      string   `json:"milestone"`
	Notes          string   `json:"notes,omitempty"`
}

// ResourceSpec describes a resource a component needs.
type ResourceSpec struct {
	Design     string   `json:"design"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Components []string `json:"components"`
}

// DesignPatternSpec records a pattern and where it applies.
type DesignPatternSpec struct {
	Design     string   `json:"design"`
	Name       string   `json:"name"`
	Rationale  string   `json:"rationale"`
	Components []string `json:"components"`
}

// TestSpec lists the test cases of one component.
type TestSpec struct {
	Design    string     `json:"design"`
	Name      string     `json:"name"`
	Component string     `json:"component"`
	Cases     []TestCase `json:"cases"`
}

// TestCase is a single given/expect pair.
type TestCase struct {
	Name   string `json:"name"`
	Given  string `json:"given"`
	Expect string `json:"expect"`
}

// Component implementation states.
const (
	StatusPending     = "pending"
	StatusImplemented = "implemented"
	StatusBlocked     = "blocked"
)

// Test outcomes.
const (
	OutcomePass   = "pass"
	OutcomeFail   = "fail"
	OutcomeNotRun = "not-run"
)

// Overall report states.
const (
	OverallComplete   = "complete"
	OverallInProgress = "in-progress"
	OverallBlocked    = "blocked"
)

// ImplementationReport is produced by IMPLEMENT. Each run appends a version.
type ImplementationReport struct {
	Design     string            `json:"design"`
	Components []ComponentStatus `json:"components"`
	Tests      []TestOutcome     `json:"tests"`
	Overall    string            `json:"overall"`
	Narrative  string            `json:"narrative,omitempty"`
}

// ComponentStatus is the implementation state of one CodeSpec.
type ComponentStatus struct {
	Component string `json:"component"`
	CodeSpec  string `json:"codeSpec"`
	Status    string `json:"status"`
}

// TestOutcome is the result of one TestSpec.
type TestOutcome struct {
	Test      string `json:"test"`
	Component string `json:"component"`
	TestSpec  string `json:"testSpec"`
	Outcome   string `json:"outcome"`
}

// ReflectionReport is produced by REFLECT and read by the next ANALYZE.
type ReflectionReport struct {
	AchievedGoals  []string `json:"achievedGoals"`
	Deviations     []string `json:"deviations"`
	Lessons        []Lesson `json:"lessons"`
	NextCycleHints []string `json:"nextCycleHints"`
	Narrative      string   `json:"narrative,omitempty"`
}

// Lesson is tagged to a component.
type Lesson struct {
	Component string `json:"component"`
	Text      string `json:"text"`
}
