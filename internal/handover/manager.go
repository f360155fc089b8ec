package handover

import (
	"context"
	"log/slog"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Manager emits and reads handovers for the store's projects.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
}

// NewManager returns a manager over st. A nil logger discards.
func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{store: st, logger: slogutil.OrDiscard(logger)}
}

// Transition describes one handover before it is persisted.
type Transition struct {
	Project   string
	From      phase.Phase
	To        phase.Phase
	Summary   string
	Artifacts []string
	Degraded  bool
	Sections  Sections
}

// Build renders t into a store record with a fresh id, ready for a store.Batch.
func (m *Manager) Build(t Transition) (*store.Handover, error) {
	h := &store.Handover{
		ID:           store.NewID(),
		Project:      t.Project,
		FromPhase:    t.From,
		ToPhase:      t.To,
		CreatedAt:    m.store.Now().UTC(),
		Status:       store.HandoverActive,
		Summary:      strings.TrimSpace(t.Summary),
		ArtifactRefs: append([]string{}, t.Artifacts...),
		Degraded:     t.Degraded,
	}
	if h.Summary == "" {
		h.Summary = string(t.From) + " complete"
	}
	body, err := Render(Header{
		CreatedAt: h.CreatedAt,
		Project:   h.Project,
		FromPhase: h.FromPhase,
		ToPhase:   h.ToPhase,
		Artifacts: h.ArtifactRefs,
		Degraded:  h.Degraded,
	}, t.Sections)
	if err != nil {
		return nil, err
	}
	h.Body = body
	return h, nil
}

// Emit archives the project's active handover and stores a new active one in
// a single transaction.
func (m *Manager) Emit(ctx context.Context, t Transition) (*store.Handover, error) {
	h, err := m.Build(t)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReplaceActiveHandover(ctx, h); err != nil {
		return nil, err
	}
	m.logger.Debug("handover emitted", "project", h.Project, "handover", h.ID, "from", h.FromPhase, "to", h.ToPhase)
	return h, nil
}

// Latest returns the active handover, or nil when there is none.
func (m *Manager) Latest(ctx context.Context, project string) (*store.Handover, error) {
	return m.store.ActiveHandover(ctx, project)
}

// State returns the project and its active handover from one consistent read.
func (m *Manager) State(ctx context.Context, project string) (*store.Project, *store.Handover, error) {
	return m.store.ProjectState(ctx, project)
}

// History returns every handover of project, newest first.
func (m *Manager) History(ctx context.Context, project string) ([]*store.Handover, error) {
	return m.store.ListHandovers(ctx, project)
}
