package engine

import (
	"regexp"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/llm"
)

// Statement classes of a requirement sentence.
const (
	classGoal       = "goal"
	classConstraint = "constraint"
	classNonGoal    = "non_goal"
)

// Non-goal markers are tested before constraint markers: "must not include X"
// excludes scope rather than constraining it.
var statementPatterns = []struct {
	re    *regexp.Regexp
	class string
}{
	{regexp.MustCompile(`(?i)\b(out of scope|non-goals?|not in scope|won't|will not|need not|not required|no need to|excluded?|excluding)\b`), classNonGoal},
	{regexp.MustCompile(`(?i)\b(must|shall|should|within|at most|at least|no more than|no later than|only|require[sd]?|never|limit(ed)?|deadline|budget|compl(y|iant|iance)|under \d+|less than|maximum|minimum)\b`), classConstraint},
}

// rationalePatterns capture the reason attached to a statement.
var rationalePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbecause\s+(.+?)(?:\.|,|;|$)`),
	regexp.MustCompile(`(?i)\bso\s+that\s+(.+?)(?:\.|,|;|$)`),
	regexp.MustCompile(`(?i)\bdue\s+to\s+(.+?)(?:\.|,|;|$)`),
	regexp.MustCompile(`(?i)\bin\s+order\s+to\s+(.+?)(?:\.|,|;|$)`),
	regexp.MustCompile(`(?i)\bto\s+avoid\s+(.+?)(?:\.|,|;|$)`),
}

const (
	maxStatementLen = 300
	minPhraseLen    = 3
)

// statements is a requirement split into classified sentences.
type statements struct {
	Goals       []string
	Constraints []string
	NonGoals    []string
	Rationale   []string
}

// extractStatements classifies every sentence of text. Duplicates are dropped
// case-insensitively, first occurrence wins.
func extractStatements(text string) statements {
	var out statements
	seen := make(map[string]bool)
	for _, s := range llm.SplitSentences(text) {
		s = truncate(s, maxStatementLen)
		if len(s) < minPhraseLen || strings.HasPrefix(s, "#") {
			continue
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		switch classify(s) {
		case classNonGoal:
			out.NonGoals = append(out.NonGoals, s)
		case classConstraint:
			out.Constraints = append(out.Constraints, s)
		default:
			out.Goals = append(out.Goals, s)
		}
	}
	out.Rationale = extractRationale(text)
	return out
}

func classify(sentence string) string {
	for _, p := range statementPatterns {
		if p.re.MatchString(sentence) {
			return p.class
		}
	}
	return classGoal
}

func extractRationale(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range rationalePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m) < 2 {
				continue
			}
			phrase := truncate(m[1], maxStatementLen)
			if len(phrase) < minPhraseLen {
				continue
			}
			key := strings.ToLower(phrase)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, phrase)
		}
	}
	return out
}

// genericTerms never need grounding: they carry no domain meaning of their own.
var genericTerms = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`automatically automatic automate ensure allow allows support supports provide
		provides make makes build create add improve improved better new existing current every system systems
		user users data process handle handles manage enable use using used need needs want able way fast quickly
		easy simple should must shall will within least most more less than only never always each other them
		it's any all time times day days hour hours minute minutes second seconds week weeks incoming outgoing
		clear better good well without`) {
		m[w] = true
	}
	return m
}()

// keyTerms returns the domain-specific terms of text in first-seen order.
func keyTerms(text string) []string {
	var out []string
	for _, t := range llm.Terms(text) {
		if len([]rune(t)) < 4 || genericTerms[t] || isNumeric(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// kebab builds a component name from the first key terms of a goal.
func kebab(goal string, maxTerms int) string {
	terms := keyTerms(goal)
	if len(terms) == 0 {
		terms = llm.Terms(goal)
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	if len(terms) == 0 {
		return "component"
	}
	return strings.Join(terms, "-")
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max])
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
