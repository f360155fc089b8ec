package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

const artifactColumns = `id, project, phase, kind, cycle, subject, version, produced_at, produced_by, parent, summary, payload, incomplete, degraded, refs`

// minTick keeps producedAt strictly increasing within a project.
const minTick = time.Microsecond

// NewID returns a fresh record id. Engines pre-assign artifact ids so that
// clarifications and handovers in the same batch can reference them.
func NewID() string {
	return newID()
}

// Commit applies every write in b inside one transaction. Either all writes
// become visible or none do.
func (s *Store) Commit(ctx context.Context, b *Batch) error {
	if b == nil || strings.TrimSpace(b.Project) == "" {
		return apmerr.New(apmerr.Engine, "batch without project")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		proj, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, b.Project))
		if errors.Is(err, sql.ErrNoRows) {
			return apmerr.New(apmerr.PreconditionMissing, "unknown project %q", b.Project)
		}
		if err != nil {
			return err
		}
		if b.ExpectPhase != "" && proj.CurrentPhase != b.ExpectPhase {
			return apmerr.New(apmerr.ConcurrentAdvance, "expected phase %s but project is in %s", b.ExpectPhase, proj.CurrentPhase)
		}

		last, err := latestTime(ctx, tx, `SELECT produced_at FROM artifacts WHERE project = ? ORDER BY produced_at DESC LIMIT 1`, b.Project)
		if err != nil {
			return err
		}
		for _, a := range b.Artifacts {
			if last, err = s.insertArtifact(ctx, tx, proj, a, last); err != nil {
				return err
			}
		}

		for _, c := range b.Clarifications {
			if err := s.insertClarification(ctx, tx, b, c); err != nil {
				return err
			}
		}

		for _, e := range b.Edges {
			if err := s.insertEdge(ctx, tx, e); err != nil {
				return err
			}
		}

		handoverRef := sql.NullString{String: proj.CurrentHandover, Valid: proj.CurrentHandover != ""}
		if b.ArchiveActive || b.Handover != nil {
			if err := s.check(OpArchiveHandover); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE handovers SET status = ? WHERE project = ? AND status = ?`,
				string(HandoverArchived), b.Project, string(HandoverActive)); err != nil {
				return fmt.Errorf("archive handover: %w", err)
			}
			handoverRef = sql.NullString{}
		}
		if b.Handover != nil {
			if err := s.insertHandover(ctx, tx, b, b.Handover); err != nil {
				return err
			}
			handoverRef = sql.NullString{String: b.Handover.ID, Valid: true}
		}

		next, cycle := proj.CurrentPhase, proj.Cycle
		if b.Advance != nil {
			if err := phase.Validate(b.Advance.To); err != nil {
				return apmerr.Wrap(apmerr.InconsistentDesign, err, "advance")
			}
			next = b.Advance.To
			if b.Advance.NextCycle {
				cycle++
			}
		}
		if err := s.check(OpSetPhase); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE projects SET current_phase = ?, cycle = ?, current_handover = ?, updated_at = ?
			WHERE id = ? AND current_phase = ?
		`, string(next), cycle, handoverRef, s.Now(), b.Project, string(proj.CurrentPhase))
		if err != nil {
			return fmt.Errorf("set phase: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.phaseMismatch(ctx, tx, b.Project, proj.CurrentPhase)
		}
		return nil
	})
}

func (s *Store) insertArtifact(ctx context.Context, tx *sql.Tx, proj *Project, a *Artifact, last time.Time) (time.Time, error) {
	if a.Project == "" {
		a.Project = proj.ID
	}
	if a.Project != proj.ID {
		return last, apmerr.New(apmerr.InconsistentDesign, "artifact for project %q in batch for %q", a.Project, proj.ID)
	}
	if a.Phase != proj.CurrentPhase {
		return last, apmerr.New(apmerr.ConcurrentAdvance, "artifact phase %s but project is in %s", a.Phase, proj.CurrentPhase)
	}
	if p, ok := phase.PhaseOf(a.Kind); !ok || p != a.Phase {
		return last, apmerr.New(apmerr.InconsistentDesign, "kind %s is not produced by phase %s", a.Kind, a.Phase)
	}
	if err := validateArtifact(a); err != nil {
		return last, err
	}

	if a.Phase != phase.Analyze {
		prev := phase.Prev(a.Phase)
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE project = ? AND phase = ? LIMIT 1`, a.Project, string(prev)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return last, apmerr.New(apmerr.PreconditionMissing, "no %s artifact exists for project %s", prev, a.Project)
		}
		if err != nil {
			return last, err
		}
	}

	if a.Parent != "" {
		var parentProject string
		err := tx.QueryRowContext(ctx, `SELECT project FROM artifacts WHERE id = ?`, a.Parent).Scan(&parentProject)
		if errors.Is(err, sql.ErrNoRows) {
			return last, apmerr.New(apmerr.InconsistentDesign, "parent artifact %s does not exist", a.Parent)
		}
		if err != nil {
			return last, err
		}
		if parentProject != a.Project {
			return last, apmerr.New(apmerr.InconsistentDesign, "parent artifact %s belongs to project %s", a.Parent, parentProject)
		}
	}

	if a.ID == "" {
		a.ID = newID()
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE project = ? AND kind = ? AND subject = ?`,
		a.Project, string(a.Kind), a.Subject).Scan(&a.Version); err != nil {
		return last, err
	}
	a.Cycle = proj.Cycle
	a.ProducedAt = s.Now()
	if !a.ProducedAt.After(last) {
		a.ProducedAt = last.Add(minTick)
	}

	if err := s.check(OpInsertArtifact); err != nil {
		return last, err
	}
	var parent sql.NullString
	if a.Parent != "" {
		parent = sql.NullString{String: a.Parent, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Project, string(a.Phase), string(a.Kind), a.Cycle, a.Subject, a.Version, a.ProducedAt, a.ProducedBy,
		parent, a.Summary, string(a.Payload), boolInt(a.Incomplete), boolInt(a.Degraded), marshalJSON(a.References))
	if err != nil {
		return last, fmt.Errorf("insert artifact: %w", err)
	}

	if a.Parent != "" {
		if err := s.insertEdge(ctx, tx, &Edge{SourceID: a.ID, TargetID: a.Parent, EdgeType: EdgeParent}); err != nil {
			return last, err
		}
	}
	for _, ref := range a.References {
		payload := fmt.Sprintf("%s:%.4f", ref.Source, ref.Score)
		if err := s.insertEdge(ctx, tx, &Edge{SourceID: a.ID, TargetID: ref.ID, EdgeType: EdgeCites, Payload: payload}); err != nil {
			return last, err
		}
	}
	return a.ProducedAt, nil
}

// validateArtifact rejects records that do not satisfy the artifact schema.
func validateArtifact(a *Artifact) error {
	switch {
	case a.ProducedBy == "":
		return apmerr.New(apmerr.Engine, "%s artifact without producer", a.Kind)
	case len(a.Payload) == 0:
		return apmerr.New(apmerr.Engine, "%s artifact without payload", a.Kind)
	case !json.Valid(a.Payload):
		return apmerr.New(apmerr.Engine, "%s artifact payload is not valid JSON", a.Kind)
	}
	return nil
}

func (s *Store) insertEdge(ctx context.Context, tx *sql.Tx, e *Edge) error {
	if e.SourceID == "" || e.TargetID == "" || e.EdgeType == "" {
		return nil
	}
	if e.ID == "" {
		e.ID = newID()
	}
	e.CreatedAt = s.Now()
	if err := s.check(OpInsertEdge); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_edges (id, source_id, target_id, edge_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SourceID, e.TargetID, e.EdgeType, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

func latestTime(ctx context.Context, tx *sql.Tx, query string, args ...any) (time.Time, error) {
	var t time.Time
	err := tx.QueryRowContext(ctx, query, args...).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

// GetArtifact returns the artifact or an error wrapping ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "get artifact")
	}
	return a, nil
}

// QueryArtifacts returns artifacts matching f ordered by producedAt.
func (s *Store) QueryArtifacts(ctx context.Context, f ArtifactFilter) ([]*Artifact, error) {
	if err := s.check(OpQuery); err != nil {
		return nil, classify(err, "query artifacts")
	}
	var where []string
	var args []any
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(f.Phase))
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.Cycle > 0 {
		where = append(where, "cycle = ?")
		args = append(args, f.Cycle)
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}

	q := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + defaultTimeOrdering
	if f.Limit > 0 && !f.LatestOnly {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "query artifacts")
	}
	defer rows.Close()

	var out []*Artifact
	seen := make(map[string]bool)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, classify(err, "scan artifact")
		}
		if f.LatestOnly {
			key := string(a.Kind) + "\x00" + a.Subject
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "query artifacts")
	}
	if f.LatestOnly && f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if f.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// LatestArtifact returns the most recent artifact of kind for project, or nil.
func (s *Store) LatestArtifact(ctx context.Context, project string, kind phase.Kind) (*Artifact, error) {
	arts, err := s.QueryArtifacts(ctx, ArtifactFilter{Project: project, Kinds: []phase.Kind{kind}, Limit: 1})
	if err != nil || len(arts) == 0 {
		return nil, err
	}
	return arts[0], nil
}

// LastArtifact returns the most recent artifact of any kind for project, or nil.
func (s *Store) LastArtifact(ctx context.Context, project string) (*Artifact, error) {
	arts, err := s.QueryArtifacts(ctx, ArtifactFilter{Project: project, Limit: 1})
	if err != nil || len(arts) == 0 {
		return nil, err
	}
	return arts[0], nil
}

// CountArtifacts returns how many artifacts project has.
func (s *Store) CountArtifacts(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE project = ?`, project).Scan(&n)
	return n, classify(err, "count artifacts")
}

// EdgesFrom returns provenance edges originating at id, optionally filtered by type.
func (s *Store) EdgesFrom(ctx context.Context, id, edgeType string) ([]Edge, error) {
	return s.queryEdges(ctx, "source_id", id, edgeType)
}

// EdgesTo returns provenance edges pointing at id, optionally filtered by type.
func (s *Store) EdgesTo(ctx context.Context, id, edgeType string) ([]Edge, error) {
	return s.queryEdges(ctx, "target_id", id, edgeType)
}

func (s *Store) queryEdges(ctx context.Context, column, id, edgeType string) ([]Edge, error) {
	q := `SELECT id, source_id, target_id, edge_type, payload, created_at FROM artifact_edges WHERE ` + column + ` = ?`
	args := []any{id}
	if edgeType != "" {
		q += ` AND edge_type = ?`
		args = append(args, edgeType)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "query edges")
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var e Edge
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.EdgeType, &payload, &e.CreatedAt); err != nil {
			return nil, classify(err, "scan edge")
		}
		e.Payload = payload.String
		edges = append(edges, e)
	}
	return edges, classify(rows.Err(), "query edges")
}

func scanArtifact(r rowScanner) (*Artifact, error) {
	var a Artifact
	var ph, kind, payload string
	var parent, refs sql.NullString
	var incomplete, degraded int
	if err := r.Scan(&a.ID, &a.Project, &ph, &kind, &a.Cycle, &a.Subject, &a.Version, &a.ProducedAt, &a.ProducedBy,
		&parent, &a.Summary, &payload, &incomplete, &degraded, &refs); err != nil {
		return nil, err
	}
	a.Phase = phase.Phase(ph)
	a.Kind = phase.Kind(kind)
	a.Parent = parent.String
	a.Payload = json.RawMessage(payload)
	a.Incomplete = incomplete != 0
	a.Degraded = degraded != 0
	if refs.Valid && refs.String != "" && refs.String != "null" {
		_ = json.Unmarshal([]byte(refs.String), &a.References)
	}
	return &a, nil
}
