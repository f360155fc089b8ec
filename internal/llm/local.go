package llm

import (
	"context"
	"sort"
	"strings"
)

// LocalName is the provider id of the offline backend.
const LocalName = "local"

// Local is an offline extractive generator. It answers with the sentences of
// the prompt and context that share the most terms with the task, which keeps
// the workflow usable without network access.
type Local struct {
	// MaxSentences caps the answer length. Zero means 3.
	MaxSentences int
}

// NewLocal returns the offline generator.
func NewLocal() *Local {
	return &Local{MaxSentences: 3}
}

// Name implements Port.
func (l *Local) Name() string { return LocalName }

// Generate implements Port.
func (l *Local) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", FromContext(err)
	}
	limit := l.MaxSentences
	if limit <= 0 {
		limit = 3
	}

	focus := make(map[string]bool)
	for _, w := range Tokenize(req.Task + " " + req.Prompt) {
		if !isStopword(w) {
			focus[w] = true
		}
	}

	type candidate struct {
		text  string
		score int
		order int
	}
	var cands []candidate
	seen := make(map[string]bool)
	order := 0
	for _, block := range append([]string{req.Prompt}, req.Context...) {
		for _, s := range SplitSentences(block) {
			key := strings.ToLower(s)
			if seen[key] || strings.HasPrefix(s, "#") {
				continue
			}
			seen[key] = true
			score := 0
			for _, w := range Tokenize(s) {
				if focus[w] {
					score++
				}
			}
			cands = append(cands, candidate{text: s, score: score, order: order})
			order++
		}
	}
	if len(cands) == 0 {
		return "", nil
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > limit {
		cands = cands[:limit]
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].order < cands[j].order })

	parts := make([]string, len(cands))
	for i, c := range cands {
		parts[i] = c.text
	}
	return strings.Join(parts, " "), nil
}

// SplitSentences breaks text on sentence punctuation and newlines.
func SplitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		s = strings.TrimLeft(s, "-*• ")
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			b.WriteRune(r)
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				flush()
			}
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}
