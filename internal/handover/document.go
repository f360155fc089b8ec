// Package handover renders, parses and records phase transition documents.
package handover

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

// Section titles in document order.
const (
	SectionPurpose      = "Purpose"
	SectionStatus       = "Current Status"
	SectionAchievements = "Achievements"
	SectionOpenItems    = "Open Items"
	SectionNextSteps    = "Next Steps"
	SectionNotes        = "Notes"
)

var sectionOrder = []string{SectionPurpose, SectionStatus, SectionAchievements, SectionOpenItems, SectionNextSteps, SectionNotes}

// Header is the YAML frontmatter of a handover document.
type Header struct {
	CreatedAt time.Time   `yaml:"createdAt"`
	Project   string      `yaml:"project"`
	FromPhase phase.Phase `yaml:"fromPhase"`
	ToPhase   phase.Phase `yaml:"toPhase"`
	Artifacts []string    `yaml:"artifacts"`
	Degraded  bool        `yaml:"degraded"`
}

// Sections are the named slots of the body. Empty slots render as empty sections.
type Sections struct {
	Purpose      string
	Status       string
	Achievements []string
	OpenItems    []string
	NextSteps    []string
	Notes        []string
}

// Document is a parsed handover.
type Document struct {
	Header   Header
	Sections Sections
	// Extra keeps sections with unknown titles.
	Extra map[string]string
}

// Render produces the markdown document for h and s.
func Render(h Header, s Sections) (string, error) {
	h.CreatedAt = h.CreatedAt.UTC()
	if h.Artifacts == nil {
		h.Artifacts = []string{}
	}
	front, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal handover header: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n")
	fmt.Fprintf(&b, "# Handover %s → %s\n", h.FromPhase, h.ToPhase)
	for _, title := range sectionOrder {
		fmt.Fprintf(&b, "\n## %s\n", title)
		if body := s.text(title); body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func (s Sections) text(title string) string {
	switch title {
	case SectionPurpose:
		return strings.TrimSpace(s.Purpose)
	case SectionStatus:
		return strings.TrimSpace(s.Status)
	case SectionAchievements:
		return bullets(s.Achievements)
	case SectionOpenItems:
		return bullets(s.OpenItems)
	case SectionNextSteps:
		return bullets(s.NextSteps)
	case SectionNotes:
		return bullets(s.Notes)
	}
	return ""
}

func bullets(items []string) string {
	var lines []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			lines = append(lines, "- "+it)
		}
	}
	return strings.Join(lines, "\n")
}

// Parse reads a rendered document. Missing frontmatter and missing sections
// are not errors; only malformed frontmatter YAML is.
func Parse(doc string) (*Document, error) {
	out := &Document{Extra: map[string]string{}}
	body := doc
	if rest, ok := strings.CutPrefix(doc, "---\n"); ok {
		front, after, found := strings.Cut(rest, "\n---\n")
		if found {
			if err := yaml.Unmarshal([]byte(front), &out.Header); err != nil {
				return nil, fmt.Errorf("failed to parse handover header: %w", err)
			}
			body = after
		}
	}

	raw := make(map[string][]string)
	current := ""
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if title, ok := strings.CutPrefix(line, "## "); ok {
			current = strings.TrimSpace(title)
			if _, seen := raw[current]; !seen {
				raw[current] = nil
			}
			continue
		}
		if current == "" {
			continue
		}
		raw[current] = append(raw[current], line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for title, lines := range raw {
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		switch title {
		case SectionPurpose:
			out.Sections.Purpose = text
		case SectionStatus:
			out.Sections.Status = text
		case SectionAchievements:
			out.Sections.Achievements = parseBullets(lines)
		case SectionOpenItems:
			out.Sections.OpenItems = parseBullets(lines)
		case SectionNextSteps:
			out.Sections.NextSteps = parseBullets(lines)
		case SectionNotes:
			out.Sections.Notes = parseBullets(lines)
		default:
			out.Extra[title] = text
		}
	}
	return out, nil
}

func parseBullets(lines []string) []string {
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimSpace(strings.TrimLeft(l, "-*"))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
