package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
)

func (s *Store) insertClarification(ctx context.Context, tx *sql.Tx, b *Batch, c *ClarificationItem) error {
	if c.Project == "" {
		c.Project = b.Project
	}
	if c.ArtifactRef == "" && len(b.Artifacts) > 0 {
		c.ArtifactRef = b.Artifacts[0].ID
	}
	if c.ArtifactRef == "" || strings.TrimSpace(c.Question) == "" {
		return apmerr.New(apmerr.Engine, "clarification without artifact or question")
	}
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = s.Now()
	if err := s.check(OpInsertClarify); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clarifications (id, project, artifact_ref, question, answer, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Project, c.ArtifactRef, c.Question, c.Answer, boolInt(c.Resolved), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert clarification: %w", err)
	}
	return nil
}

// ClarificationFilter narrows ListClarifications.
type ClarificationFilter struct {
	ArtifactRef    string
	UnresolvedOnly bool
}

// ListClarifications returns the project's clarification items, oldest first.
func (s *Store) ListClarifications(ctx context.Context, project string, f ClarificationFilter) ([]*ClarificationItem, error) {
	q := `SELECT id, project, artifact_ref, question, answer, resolved, created_at FROM clarifications WHERE project = ?`
	args := []any{project}
	if f.ArtifactRef != "" {
		q += ` AND artifact_ref = ?`
		args = append(args, f.ArtifactRef)
	}
	if f.UnresolvedOnly {
		q += ` AND resolved = 0`
	}
	q += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "list clarifications")
	}
	defer rows.Close()
	var out []*ClarificationItem
	for rows.Next() {
		var c ClarificationItem
		var answer sql.NullString
		var resolved int
		if err := rows.Scan(&c.ID, &c.Project, &c.ArtifactRef, &c.Question, &answer, &resolved, &c.CreatedAt); err != nil {
			return nil, classify(err, "scan clarification")
		}
		c.Answer = answer.String
		c.Resolved = resolved != 0
		out = append(out, &c)
	}
	return out, classify(rows.Err(), "list clarifications")
}

// ResolveClarification records an answer and marks the item resolved.
func (s *Store) ResolveClarification(ctx context.Context, project, id, answer string) error {
	if err := s.check(OpResolveClarify); err != nil {
		return classify(err, "resolve clarification")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE clarifications SET answer = ?, resolved = 1 WHERE id = ? AND project = ?`, answer, id, project)
	if err != nil {
		return classify(err, "resolve clarification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clarification %q: %w", id, ErrNotFound)
	}
	return nil
}

// ContentHash returns the sha256 hex digest used for memory deduplication.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

const memoryColumns = `id, category, path, project, content, content_hash, embedding, created_at`

// UpsertMemory stores m keyed by its path. Re-ingesting identical content is a
// no-op and reports changed=false; new content replaces the previous record
// and refreshes its embedding.
func (s *Store) UpsertMemory(ctx context.Context, m *MemoryRecord) (bool, error) {
	if strings.TrimSpace(m.Path) == "" {
		return false, apmerr.New(apmerr.PreconditionMissing, "memory path is required")
	}
	if _, err := ParseCategory(string(m.Category)); err != nil {
		return false, apmerr.Wrap(apmerr.PreconditionMissing, err, "ingest")
	}
	m.ContentHash = ContentHash(m.Content)

	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanMemory(tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory WHERE path = ?`, m.Path))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && existing.ContentHash == m.ContentHash && existing.Category == m.Category && existing.Project == m.Project {
			*m = *existing
			return nil
		}
		if err := s.check(OpUpsertMemory); err != nil {
			return err
		}
		m.CreatedAt = s.Now()
		var embedding any
		if len(m.Embedding) > 0 {
			embedding = marshalJSON(m.Embedding)
		}
		if existing != nil {
			m.ID = existing.ID
			_, err = tx.ExecContext(ctx, `
				UPDATE memory SET category = ?, project = ?, content = ?, content_hash = ?, embedding = ?, created_at = ?
				WHERE id = ?
			`, string(m.Category), m.Project, m.Content, m.ContentHash, embedding, m.CreatedAt, m.ID)
		} else {
			if m.ID == "" {
				m.ID = newID()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO memory (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, m.ID, string(m.Category), m.Path, m.Project, m.Content, m.ContentHash, embedding, m.CreatedAt)
		}
		if err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// GetMemory returns the record or an error wrapping ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %q: %w", id, ErrNotFound)
	}
	return m, classify(err, "get memory")
}

// GetMemoryByPath returns the record stored under path or an error wrapping ErrNotFound.
func (s *Store) GetMemoryByPath(ctx context.Context, path string) (*MemoryRecord, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory at %q: %w", path, ErrNotFound)
	}
	return m, classify(err, "get memory")
}

// ListMemory returns memory records newest first. limit <= 0 returns all.
func (s *Store) ListMemory(ctx context.Context, limit int) ([]*MemoryRecord, error) {
	q := `SELECT ` + memoryColumns + ` FROM memory ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err, "list memory")
	}
	defer rows.Close()
	var out []*MemoryRecord
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, classify(err, "scan memory")
		}
		out = append(out, m)
	}
	return out, classify(rows.Err(), "list memory")
}

func scanMemory(r rowScanner) (*MemoryRecord, error) {
	var m MemoryRecord
	var category string
	var embedding sql.NullString
	if err := r.Scan(&m.ID, &category, &m.Path, &m.Project, &m.Content, &m.ContentHash, &embedding, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Category = Category(category)
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &m.Embedding)
	}
	return &m, nil
}

// AcquireLease takes the project lease for holder until now+ttl. A lease held
// by another holder that has not expired fails with Busy. Re-acquiring an
// owned lease extends it.
func (s *Store) AcquireLease(ctx context.Context, project, holder string, ttl time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.check(OpAcquireLease); err != nil {
			return err
		}
		now := s.Now()
		var current string
		var expires time.Time
		err := tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE project = ?`, project).Scan(&current, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case current != holder && expires.After(now):
			return apmerr.New(apmerr.Busy, "project %s is locked by %s until %s", project, current, expires.Format(time.RFC3339))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (project, holder, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(project) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		`, project, holder, now.Add(ttl))
		return err
	})
}

// ReleaseLease drops the lease if holder owns it.
func (s *Store) ReleaseLease(ctx context.Context, project, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE project = ? AND holder = ?`, project, holder)
	return classify(err, "release lease")
}
