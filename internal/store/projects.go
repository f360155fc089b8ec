package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

const projectColumns = `id, name, current_phase, cycle, current_handover, created_at, updated_at`

// EnsureProject returns the project with id, creating it in ANALYZE if absent.
func (s *Store) EnsureProject(ctx context.Context, id, name string) (*Project, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, apmerr.New(apmerr.PreconditionMissing, "project id is required")
	}
	if name == "" {
		name = id
	}
	if err := s.check(OpUpsertProject); err != nil {
		return nil, false, classify(err, "create project")
	}
	now := s.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO projects (id, name, current_phase, cycle, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, id, name, string(phase.Analyze), now, now)
	if err != nil {
		return nil, false, classify(err, "create project")
	}
	n, _ := res.RowsAffected()
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		s.logger.Info("project created", "project", id)
	}
	return p, n > 0, nil
}

// GetProject returns the project or an error wrapping ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err, "get project")
	}
	return p, nil
}

// ProjectState returns the project and its active handover read from one
// snapshot, so the handover always belongs to the phase pointer returned with
// it. The handover is nil when none is active.
func (s *Store) ProjectState(ctx context.Context, id string) (*Project, *Handover, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, classify(err, "begin read")
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, classify(err, "get project")
	}
	h, err := scanHandover(tx.QueryRowContext(ctx, `SELECT `+handoverColumns+` FROM handovers WHERE project = ? AND status = ?`,
		id, string(HandoverActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil, nil
	}
	if err != nil {
		return nil, nil, classify(err, "active handover")
	}
	return p, h, nil
}

// ListProjects returns every project ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, classify(err, "list projects")
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, classify(err, "scan project")
		}
		out = append(out, p)
	}
	return out, classify(rows.Err(), "list projects")
}

// SetPhase moves the pointer to p when the current phase equals expected.
// A mismatch fails with ConcurrentAdvance.
func (s *Store) SetPhase(ctx context.Context, project string, p, expected phase.Phase) error {
	if err := phase.Validate(p); err != nil {
		return apmerr.Wrap(apmerr.InconsistentDesign, err, "set phase")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.check(OpSetPhase); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE projects SET current_phase = ?, updated_at = ?
			WHERE id = ? AND current_phase = ?
		`, string(p), s.Now(), project, string(expected))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.phaseMismatch(ctx, tx, project, expected)
		}
		return nil
	})
}

// phaseMismatch explains why a conditional pointer update touched no rows.
func (s *Store) phaseMismatch(ctx context.Context, tx *sql.Tx, project string, expected phase.Phase) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT current_phase FROM projects WHERE id = ?`, project).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apmerr.New(apmerr.PreconditionMissing, "unknown project %q", project)
	}
	if err != nil {
		return err
	}
	return apmerr.New(apmerr.ConcurrentAdvance, "expected phase %s but project is in %s", expected, current)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(r rowScanner) (*Project, error) {
	var p Project
	var ph string
	var handover sql.NullString
	if err := r.Scan(&p.ID, &p.Name, &ph, &p.Cycle, &handover, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CurrentPhase = phase.Phase(ph)
	if handover.Valid {
		p.CurrentHandover = handover.String
	}
	return &p, nil
}
