package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
)

// Dump is a full copy of one or more projects' records.
type Dump struct {
	Projects       []*Project           `json:"projects"`
	Artifacts      []*Artifact          `json:"artifacts"`
	Edges          []Edge               `json:"edges,omitempty"`
	Handovers      []*Handover          `json:"handovers"`
	Clarifications []*ClarificationItem `json:"clarifications,omitempty"`
	Memory         []*MemoryRecord      `json:"memory,omitempty"`
}

// DumpProjects collects every record of the named projects, or of all
// projects when none are named. Memory records are always included.
func (s *Store) DumpProjects(ctx context.Context, ids ...string) (*Dump, error) {
	d := &Dump{}
	if len(ids) == 0 {
		all, err := s.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		d.Projects = all
	} else {
		for _, id := range ids {
			p, err := s.GetProject(ctx, id)
			if err != nil {
				return nil, apmerr.Wrap(apmerr.PreconditionMissing, err, "dump")
			}
			d.Projects = append(d.Projects, p)
		}
	}

	for _, p := range d.Projects {
		arts, err := s.QueryArtifacts(ctx, ArtifactFilter{Project: p.ID, Ascending: true})
		if err != nil {
			return nil, err
		}
		d.Artifacts = append(d.Artifacts, arts...)
		for _, a := range arts {
			edges, err := s.EdgesFrom(ctx, a.ID, "")
			if err != nil {
				return nil, err
			}
			d.Edges = append(d.Edges, edges...)
		}
		hs, err := s.ListHandovers(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for i := len(hs) - 1; i >= 0; i-- {
			d.Handovers = append(d.Handovers, hs[i])
		}
		cs, err := s.ListClarifications(ctx, p.ID, ClarificationFilter{})
		if err != nil {
			return nil, err
		}
		d.Clarifications = append(d.Clarifications, cs...)
	}

	mem, err := s.ListMemory(ctx, 0)
	if err != nil {
		return nil, err
	}
	d.Memory = mem
	return d, nil
}

// Restore writes d into the store in one transaction. Projects that already
// exist are rejected; memory records are upserted by path.
func (s *Store) Restore(ctx context.Context, d *Dump) error {
	if d == nil {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.check(OpRestore); err != nil {
			return err
		}
		for _, p := range d.Projects {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, p.ID).Scan(&one)
			if err == nil {
				return apmerr.New(apmerr.PreconditionMissing, "project %s already exists", p.ID)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			// current_handover is set after the handovers exist.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projects (id, name, current_phase, cycle, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, p.ID, p.Name, string(p.CurrentPhase), p.Cycle, p.CreatedAt.UTC(), p.UpdatedAt.UTC()); err != nil {
				return fmt.Errorf("restore project %s: %w", p.ID, err)
			}
		}
		for _, a := range d.Artifacts {
			var parent sql.NullString
			if a.Parent != "" {
				parent = sql.NullString{String: a.Parent, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artifacts (`+artifactColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID, a.Project, string(a.Phase), string(a.Kind), a.Cycle, a.Subject, a.Version, a.ProducedAt.UTC(), a.ProducedBy,
				parent, a.Summary, string(a.Payload), boolInt(a.Incomplete), boolInt(a.Degraded), marshalJSON(a.References)); err != nil {
				return fmt.Errorf("restore artifact %s: %w", a.ID, err)
			}
		}
		for _, e := range d.Edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artifact_edges (id, source_id, target_id, edge_type, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, e.ID, e.SourceID, e.TargetID, e.EdgeType, e.Payload, e.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("restore edge %s: %w", e.ID, err)
			}
		}
		for _, h := range d.Handovers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO handovers (`+handoverColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, h.ID, h.Project, string(h.FromPhase), string(h.ToPhase), h.CreatedAt.UTC(), string(h.Status), h.Summary, h.Body,
				marshalJSON(h.ArtifactRefs), boolInt(h.Degraded)); err != nil {
				return fmt.Errorf("restore handover %s: %w", h.ID, err)
			}
		}
		for _, p := range d.Projects {
			if p.CurrentHandover == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE projects SET current_handover = ? WHERE id = ?`, p.CurrentHandover, p.ID); err != nil {
				return fmt.Errorf("restore project %s: %w", p.ID, err)
			}
		}
		for _, c := range d.Clarifications {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO clarifications (id, project, artifact_ref, question, answer, resolved, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, c.ID, c.Project, c.ArtifactRef, c.Question, c.Answer, boolInt(c.Resolved), c.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("restore clarification %s: %w", c.ID, err)
			}
		}
		for _, m := range d.Memory {
			var embedding any
			if len(m.Embedding) > 0 {
				embedding = marshalJSON(m.Embedding)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memory (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(path) DO UPDATE SET category = excluded.category, project = excluded.project,
					content = excluded.content, content_hash = excluded.content_hash,
					embedding = excluded.embedding, created_at = excluded.created_at
			`, m.ID, string(m.Category), m.Path, m.Project, m.Content, ContentHash(m.Content), embedding, m.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("restore memory %s: %w", m.Path, err)
			}
		}
		return nil
	})
	if err != nil && apmerr.KindOf(err) == apmerr.ConcurrentAdvance {
		// Unique violations during restore mean conflicting ids, not a race.
		return apmerr.Wrap(apmerr.Storage, err, "restore")
	}
	return err
}
