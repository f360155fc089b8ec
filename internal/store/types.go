package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

// Project tracks a workflow and its current phase pointer.
type Project struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	CurrentPhase    phase.Phase `json:"current_phase"`
	Cycle           int         `json:"cycle"`
	CurrentHandover string      `json:"current_handover,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Reference cites a retrieval result or prior artifact that grounded an artifact.
type Reference struct {
	ID     string  `json:"id"`
	Source string  `json:"source"` // "artifact" or "memory"
	Score  float64 `json:"score"`
	Label  string  `json:"label,omitempty"`
}

// Artifact is an immutable, typed record produced by a phase.
type Artifact struct {
	ID         string          `json:"id"`
	Project    string          `json:"project"`
	Phase      phase.Phase     `json:"phase"`
	Kind       phase.Kind      `json:"kind"`
	Cycle      int             `json:"cycle"`
	Subject    string          `json:"subject,omitempty"` // component name for per-component kinds
	Version    int             `json:"version"`
	ProducedAt time.Time       `json:"produced_at"`
	ProducedBy string          `json:"produced_by"`
	Parent     string          `json:"parent,omitempty"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload"`
	Incomplete bool            `json:"incomplete"`
	Degraded   bool            `json:"degraded"`
	References []Reference     `json:"references,omitempty"`
}

// Decode unmarshals the payload into v.
func (a *Artifact) Decode(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("artifact %s has an empty payload", a.ID)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", a.Kind, err)
	}
	return nil
}

// HandoverStatus is active or archived. Transitions go active -> archived only.
type HandoverStatus string

const (
	HandoverActive   HandoverStatus = "active"
	HandoverArchived HandoverStatus = "archived"
)

// Handover records a transition between two phases.
type Handover struct {
	ID           string         `json:"id"`
	Project      string         `json:"project"`
	FromPhase    phase.Phase    `json:"from_phase"`
	ToPhase      phase.Phase    `json:"to_phase"`
	CreatedAt    time.Time      `json:"created_at"`
	Status       HandoverStatus `json:"status"`
	Summary      string         `json:"summary"`
	Body         string         `json:"body"`
	ArtifactRefs []string       `json:"artifact_refs"`
	Degraded     bool           `json:"degraded"`
}

// ClarificationItem is an open question raised during ANALYZE.
type ClarificationItem struct {
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	ArtifactRef string    `json:"artifact_ref"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer,omitempty"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// Category classifies free-form memory documents.
type Category string

const (
	CategoryReflection Category = "reflection"
	CategoryPlanning   Category = "planning"
	CategoryCreative   Category = "creative"
	CategoryValidation Category = "validation"
	CategoryTasks      Category = "tasks"
	CategoryFreeform   Category = "freeform"
)

// Categories lists every memory category.
var Categories = []Category{CategoryReflection, CategoryPlanning, CategoryCreative, CategoryValidation, CategoryTasks, CategoryFreeform}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid memory category %q", s)
}

// MemoryRecord is a free-form document indexed for retrieval. Records are keyed by path.
type MemoryRecord struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Path        string    `json:"path"`
	Project     string    `json:"project,omitempty"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Edge types in the provenance graph.
const (
	EdgeParent = "parent"
	EdgeCites  = "cites"
)

// Edge is a directed provenance edge.
type Edge struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	EdgeType  string    `json:"edge_type"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactFilter narrows QueryArtifacts.
type ArtifactFilter struct {
	Project string
	Phase   phase.Phase
	Kinds   []phase.Kind
	Cycle   int
	Subject string
	// LatestOnly keeps the highest version per (kind, subject).
	LatestOnly bool
	// Ascending orders by producedAt ascending instead of descending.
	Ascending bool
	Limit     int
}

// PhaseUpdate moves the project pointer as part of a batch.
type PhaseUpdate struct {
	To phase.Phase
	// NextCycle increments the project's cycle counter.
	NextCycle bool
}

// Batch is a set of writes committed atomically by Commit.
type Batch struct {
	Project string
	// ExpectPhase is the precondition on the project's current phase. Empty skips the check.
	ExpectPhase    phase.Phase
	Artifacts      []*Artifact
	Clarifications []*ClarificationItem
	Edges          []*Edge
	// Handover archives the active handover and inserts this one as active.
	Handover *Handover
	// ArchiveActive archives the active handover without inserting a new one.
	ArchiveActive bool
	Advance       *PhaseUpdate
}
