package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

const handoverColumns = `id, project, from_phase, to_phase, created_at, status, summary, body, artifact_refs, degraded`

func (s *Store) insertHandover(ctx context.Context, tx *sql.Tx, b *Batch, h *Handover) error {
	if h.Project == "" {
		h.Project = b.Project
	}
	if h.Project != b.Project {
		return apmerr.New(apmerr.InconsistentDesign, "handover for project %q in batch for %q", h.Project, b.Project)
	}
	if !phase.IsSuccessor(h.FromPhase, h.ToPhase) {
		return apmerr.New(apmerr.InconsistentDesign, "handover %s -> %s skips the phase cycle", h.FromPhase, h.ToPhase)
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if len(h.ArtifactRefs) == 0 {
		for _, a := range b.Artifacts {
			h.ArtifactRefs = append(h.ArtifactRefs, a.ID)
		}
	}
	last, err := latestTime(ctx, tx, `SELECT created_at FROM handovers WHERE project = ? ORDER BY created_at DESC LIMIT 1`, h.Project)
	if err != nil {
		return err
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.Now()
	}
	if !h.CreatedAt.After(last) {
		h.CreatedAt = last.Add(minTick)
	}
	h.Status = HandoverActive

	if err := s.check(OpInsertHandover); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO handovers (`+handoverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Project, string(h.FromPhase), string(h.ToPhase), h.CreatedAt, string(h.Status), h.Summary, h.Body,
		marshalJSON(h.ArtifactRefs), boolInt(h.Degraded))
	if err != nil {
		return fmt.Errorf("insert handover: %w", err)
	}
	return nil
}

// ReplaceActiveHandover archives the project's active handover and inserts h
// as the new active one in a single transaction.
func (s *Store) ReplaceActiveHandover(ctx context.Context, h *Handover) error {
	return s.Commit(ctx, &Batch{Project: h.Project, Handover: h})
}

// ActiveHandover returns the project's active handover, or nil.
func (s *Store) ActiveHandover(ctx context.Context, project string) (*Handover, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+handoverColumns+` FROM handovers WHERE project = ? AND status = ?`,
		project, string(HandoverActive))
	h, err := scanHandover(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "active handover")
	}
	return h, nil
}

// GetHandover returns the handover or an error wrapping ErrNotFound.
func (s *Store) GetHandover(ctx context.Context, id string) (*Handover, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+handoverColumns+` FROM handovers WHERE id = ?`, id)
	h, err := scanHandover(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handover %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "get handover")
	}
	return h, nil
}

// ListHandovers returns the project's handovers, newest first.
func (s *Store) ListHandovers(ctx context.Context, project string) ([]*Handover, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+handoverColumns+` FROM handovers WHERE project = ? ORDER BY created_at DESC`, project)
	if err != nil {
		return nil, classify(err, "list handovers")
	}
	defer rows.Close()
	var out []*Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, classify(err, "scan handover")
		}
		out = append(out, h)
	}
	return out, classify(rows.Err(), "list handovers")
}

// CountActiveHandovers returns the number of active handovers for project.
func (s *Store) CountActiveHandovers(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM handovers WHERE project = ? AND status = ?`,
		project, string(HandoverActive)).Scan(&n)
	return n, classify(err, "count handovers")
}

// UpdateHandoverStatus sets the status of a handover when its current status
// equals precondition. Only active -> archived is permitted.
func (s *Store) UpdateHandoverStatus(ctx context.Context, id string, status, precondition HandoverStatus) error {
	if precondition != HandoverActive || status != HandoverArchived {
		return apmerr.New(apmerr.InconsistentDesign, "handover status may only move active -> archived, not %s -> %s", precondition, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.check(OpUpdateHandover); err != nil {
			return err
		}
		var project string
		err := tx.QueryRowContext(ctx, `SELECT project FROM handovers WHERE id = ?`, id).Scan(&project)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("handover %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE handovers SET status = ? WHERE id = ? AND status = ?`, string(status), id, string(precondition))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apmerr.New(apmerr.ConcurrentAdvance, "handover %s is no longer %s", id, precondition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE projects SET current_handover = NULL, updated_at = ? WHERE id = ? AND current_handover = ?`,
			s.Now(), project, id)
		return err
	})
}

func scanHandover(r rowScanner) (*Handover, error) {
	var h Handover
	var from, to, status string
	var refs sql.NullString
	var degraded int
	if err := r.Scan(&h.ID, &h.Project, &from, &to, &h.CreatedAt, &status, &h.Summary, &h.Body, &refs, &degraded); err != nil {
		return nil, err
	}
	h.FromPhase = phase.Phase(from)
	h.ToPhase = phase.Phase(to)
	h.Status = HandoverStatus(status)
	h.Degraded = degraded != 0
	if refs.Valid && refs.String != "" {
		_ = json.Unmarshal([]byte(refs.String), &h.ArtifactRefs)
	}
	return &h, nil
}
