// Package store provides the Artifact Store and Project Registry backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups of a specific id.
var ErrNotFound = errors.New("not found")

// Operation names passed to a FaultFunc.
const (
	OpBegin             = "begin"
	OpCommit            = "commit"
	OpQuery             = "query"
	OpInsertArtifact    = "insert artifact"
	OpInsertEdge        = "insert edge"
	OpInsertClarify     = "insert clarification"
	OpArchiveHandover   = "archive handover"
	OpInsertHandover    = "insert handover"
	OpSetPhase          = "set phase"
	OpUpsertProject     = "upsert project"
	OpUpsertMemory      = "upsert memory"
	OpResolveClarify    = "resolve clarification"
	OpAcquireLease      = "acquire lease"
	OpUpdateHandover    = "update handover"
	OpRestore           = "restore"
	driverName          = "sqlite3"
	defaultBusyTimeout  = 5000
	sqliteURIPrefix     = "sqlite://"
	sqlite3URIPrefix    = "sqlite3://"
	fileURIPrefix       = "file:"
	defaultTimeOrdering = "produced_at DESC, version DESC, id ASC"
)

// FaultFunc is consulted before each write statement and before commit.
// A non-nil return aborts the operation as if the database had failed.
type FaultFunc func(op string) error

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFault installs a fault injector.
func WithFault(f FaultFunc) Option {
	return func(s *Store) { s.fault = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the SQLite-backed Artifact Store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	fault  FaultFunc
	now    func() time.Time
}

// openDB is replaced in tests.
var openDB = sql.Open

// ResolvePath turns a store.endpoint value into a filesystem path.
func ResolvePath(endpoint string) string {
	p := strings.TrimSpace(endpoint)
	for _, prefix := range []string{sqliteURIPrefix, sqlite3URIPrefix, fileURIPrefix} {
		p = strings.TrimPrefix(p, prefix)
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", path, defaultBusyTimeout)
}

// Open opens (creating if needed) the store at endpoint.
func Open(ctx context.Context, endpoint string, opts ...Option) (*Store, error) {
	path := ResolvePath(endpoint)
	if path == "" {
		return nil, apmerr.New(apmerr.Storage, "store endpoint is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, apmerr.Wrap(apmerr.Storage, err, "failed to create data dir")
	}

	db, err := openDB(driverName, dsn(path))
	if err != nil {
		return nil, apmerr.Wrap(apmerr.Storage, err, "failed to open database")
	}

	s := &Store{db: db, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = slogutil.OrDiscard(s.logger)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apmerr.Wrap(apmerr.Storage, err, "failed to connect to database")
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, apmerr.Wrap(apmerr.Storage, err, "failed to init schema")
	}
	s.logger.Debug("artifact store opened", "path", path)
	return s, nil
}

// DB returns the underlying handle. The retrieval projection shares it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		cycle INTEGER NOT NULL DEFAULT 1,
		current_handover TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		phase TEXT NOT NULL,
		kind TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		produced_at DATETIME NOT NULL,
		produced_by TEXT NOT NULL,
		parent TEXT,
		summary TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		incomplete INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		refs TEXT,
		FOREIGN KEY (project) REFERENCES projects(id),
		FOREIGN KEY (parent) REFERENCES artifacts(id)
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_project_phase_kind_produced
		ON artifacts(project, phase, kind, produced_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_version
		ON artifacts(project, kind, subject, version);

	CREATE TABLE IF NOT EXISTS artifact_edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (source_id) REFERENCES artifacts(id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifact_edges_source_type ON artifact_edges(source_id, edge_type);
	CREATE INDEX IF NOT EXISTS idx_artifact_edges_target_type ON artifact_edges(target_id, edge_type);

	CREATE TABLE IF NOT EXISTS handovers (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		from_phase TEXT NOT NULL,
		to_phase TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		artifact_refs TEXT,
		degraded INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (project) REFERENCES projects(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_handovers_one_active
		ON handovers(project) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_handovers_project_created ON handovers(project, created_at DESC);

	CREATE TABLE IF NOT EXISTS clarifications (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		artifact_ref TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (project) REFERENCES projects(id)
	);
	CREATE INDEX IF NOT EXISTS idx_clarifications_project ON clarifications(project, resolved);

	CREATE TABLE IF NOT EXISTS memory (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		project TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_category ON memory(category);

	CREATE TABLE IF NOT EXISTS leases (
		project TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// check consults the fault injector.
func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// withTx runs fn in a transaction and rolls back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.check(OpBegin); err != nil {
		return classify(err, "begin transaction")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return classify(err, "")
	}
	if err := s.check(OpCommit); err != nil {
		_ = tx.Rollback()
		return classify(err, "commit")
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

// classify maps driver and context errors onto the error taxonomy.
// Errors that already carry a kind pass through.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if apmerr.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apmerr.Wrap(apmerr.Timeout, err, msg)
	case errors.Is(err, context.Canceled):
		return apmerr.Wrap(apmerr.Cancelled, err, msg)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return apmerr.Wrap(apmerr.Transient, err, msg)
		case se.ExtendedCode == sqlite3.ErrConstraintUnique:
			return apmerr.Wrap(apmerr.ConcurrentAdvance, err, msg)
		}
	}
	return apmerr.Wrap(apmerr.Storage, err, msg)
}

func newID() string {
	return uuid.New().String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// TableCounts returns row counts per table.
func (s *Store) TableCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"projects", "artifacts", "artifact_edges", "handovers", "clarifications", "memory", "leases"} {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, classify(err, "count "+table)
		}
		counts[table] = n
	}
	return counts, nil
}
