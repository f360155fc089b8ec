package engine

import (
	"strings"
	"text/template"
)

// Prompt tasks sent to the llm port.
const (
	TaskSummarizeRequirement = "summarize-requirement"
	TaskOutlinePlan          = "outline-plan"
	TaskSpecifyComponents    = "specify-components"
	TaskSummarizeProgress    = "summarize-progress"
	TaskReflectCycle         = "reflect-cycle"
)

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
{{define "summarize-requirement"}}# Summarize the requirement for project {{.Project}}
{{.Requirement}}
{{range .Goals}}Goal: {{.}}
{{end}}{{range .Constraints}}Constraint: {{.}}
{{end}}{{range .Hints}}Hint from the last cycle: {{.}}
{{end}}{{end}}

{{define "outline-plan"}}# Outline a delivery plan for project {{.Project}}
{{range .Goals}}{{.}}
{{end}}{{range .Constraints}}{{.}}
{{end}}# Reply with prose, or with JSON {"effortDays": {"M1": 2}} to adjust estimates.
{{end}}

{{define "specify-components"}}# Specify the components of project {{.Project}}
{{range .Components}}{{.Name}}: {{.Responsibility}} Patterns: {{join .Patterns ", "}}.
{{end}}{{end}}

{{define "summarize-progress"}}# Summarize implementation progress for project {{.Project}}
{{range .Components}}Component {{.Component}} is {{.Status}}.
{{end}}{{range .Tests}}Test {{.Test}} outcome {{.Outcome}}.
{{end}}{{end}}

{{define "reflect-cycle"}}# Reflect on the finished cycle of project {{.Project}}
{{range .AchievedGoals}}Achieved: {{.}}
{{end}}{{range .Deviations}}Deviation: {{.}}
{{end}}{{range .Lessons}}Lesson: {{.Text}}
{{end}}{{end}}
`))

// render executes the named prompt template.
func render(task string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, task, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
