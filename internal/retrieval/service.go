// Package retrieval answers similarity queries over artifacts and memory
// records. Its index is a projection of the Artifact Store and can always be
// rebuilt from it.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
	"github.com/JochenWeerda/valeo-apm/internal/slogutil"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Document sources.
const (
	SourceArtifact = "artifact"
	SourceMemory   = "memory"
)

// Operation names passed to a FaultFunc.
const (
	OpSimilar = "similar"
	OpIndex   = "index"
)

const defaultK = 5

// Filter narrows a query. Phase and Kinds select artifacts, Categories select
// memory records; with neither set both sources are eligible. Memory records
// without a project match every project.
type Filter struct {
	Project    string
	Phase      phase.Phase
	Kinds      []phase.Kind
	Categories []store.Category
}

// Query is a similarity request. Empty Text matches every filtered document
// with score 1, newest first.
type Query struct {
	Text   string
	Filter Filter
	K      int
}

// Hit is one ranked document.
type Hit struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Project   string         `json:"project,omitempty"`
	Phase     phase.Phase    `json:"phase,omitempty"`
	Kind      phase.Kind     `json:"kind,omitempty"`
	Category  store.Category `json:"category,omitempty"`
	Path      string         `json:"path,omitempty"`
	Text      string         `json:"text"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"created_at"`
}

// Reference converts h into an artifact citation.
func (h Hit) Reference() store.Reference {
	label := string(h.Kind)
	if h.Source == SourceMemory {
		label = h.Path
	}
	return store.Reference{ID: h.ID, Source: h.Source, Score: h.Score, Label: label}
}

// Result carries the hits and whether the answer is degraded.
type Result struct {
	Hits []Hit `json:"hits"`
	// Degraded is set when part of the backing store was unavailable.
	Degraded bool `json:"degraded"`
}

// FaultFunc lets tests simulate an unavailable backend.
type FaultFunc func(op string) error

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithFault installs a fault injector.
func WithFault(f FaultFunc) Option {
	return func(s *Service) { s.fault = f }
}

// WithDefaultK sets the result count used when a query leaves K at zero.
func WithDefaultK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.defaultK = k
		}
	}
}

// Service ranks documents by a lexical signal and, for documents carrying
// embeddings, a vector signal weighted per mode.
type Service struct {
	st       *store.Store
	db       *sql.DB
	embedder llm.EmbeddingPort
	mode     string
	defaultK int
	logger   *slog.Logger
	fault    FaultFunc
	fts      bool
	vec      *vecIndex
}

// New opens the projection tables inside st's database. embedder may be nil,
// in which case only the lexical signal is available.
func New(ctx context.Context, st *store.Store, embedder llm.EmbeddingPort, mode string, opts ...Option) (*Service, error) {
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown retrieval mode %q", mode)
	}
	s := &Service{st: st, db: st.DB(), embedder: embedder, mode: mode, defaultK: defaultK}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = slogutil.OrDiscard(s.logger)

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to init retrieval schema: %w", err)
	}
	dims := 0
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	s.vec = newVecIndex(ctx, s.db, dims, s.logger)
	return s, nil
}

func validMode(mode string) bool {
	for _, m := range config.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

func (s *Service) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS retrieval_docs (
		doc_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		embedding TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retrieval_docs_source_project ON retrieval_docs(source, project);
	`)
	if err != nil {
		return err
	}
	// FTS5 is a compile-time option of the driver.
	if _, err := s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS retrieval_fts USING fts5(doc_id UNINDEXED, body)`); err != nil {
		s.logger.Debug("fts5 not available, using token scan", "error", err)
		s.fts = false
		return nil
	}
	s.fts = true
	return nil
}

// Mode returns the ranking mode.
func (s *Service) Mode() string { return s.mode }

// Capabilities reports whether FTS5 and sqlite-vec are in use.
func (s *Service) Capabilities() (fts, vec bool) {
	return s.fts, s.vec.available
}

func (s *Service) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

type doc struct {
	Hit
	embedding []float32
}

// Similar ranks filtered documents against q. It never fails: backend errors
// yield an empty, degraded result.
func (s *Service) Similar(ctx context.Context, q Query) Result {
	k := q.K
	if k <= 0 {
		k = s.defaultK
	}
	res, err := s.similar(ctx, q, k)
	if err != nil {
		s.logger.Warn("retrieval degraded", "project", q.Filter.Project, "error", err)
		return Result{Degraded: true}
	}
	return res
}

func (s *Service) similar(ctx context.Context, q Query, k int) (Result, error) {
	if err := s.check(OpSimilar); err != nil {
		return Result{}, err
	}
	terms := llm.Terms(q.Text)

	var restrict []string
	if len(terms) > 0 && s.mode == config.ModeLexicalOnly && s.fts {
		ids, err := s.ftsCandidates(ctx, terms, q.Filter)
		if err != nil {
			return Result{}, err
		}
		if len(ids) == 0 {
			return Result{}, nil
		}
		restrict = ids
	}

	docs, err := s.loadDocs(ctx, q.Filter, restrict)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if len(terms) == 0 {
		for _, d := range docs {
			h := d.Hit
			h.Score = 1
			res.Hits = append(res.Hits, h)
		}
		sortHits(res.Hits)
		res.Hits = truncate(res.Hits, k)
		return res, nil
	}

	weight := vectorWeight(s.mode)
	var vecScores map[string]float64
	if weight > 0 && s.embedder != nil {
		qv, err := s.embedder.Embed(ctx, q.Text)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			s.logger.Warn("query embedding failed, ranking lexically", "error", err)
			res.Degraded = true
		default:
			vecScores = s.vectorScores(ctx, qv, docs, k)
		}
	}

	for _, d := range docs {
		lex := lexicalScore(terms, d.Text)
		score := lex
		if vecScores != nil && len(d.embedding) > 0 {
			score = weight*vecScores[d.ID] + (1-weight)*lex
		}
		if score <= 0 {
			continue
		}
		h := d.Hit
		h.Score = clamp01(score)
		res.Hits = append(res.Hits, h)
	}
	sortHits(res.Hits)
	res.Hits = truncate(res.Hits, k)
	return res, nil
}

// vectorWeight is the share of the vector signal for documents with embeddings.
func vectorWeight(mode string) float64 {
	switch mode {
	case config.ModeVectorOnly:
		return 1
	case config.ModeBlended7030:
		return 0.7
	case config.ModeBlended5050:
		return 0.5
	default:
		return 0
	}
}

// vectorScores maps doc ids to clamped cosine similarity. With sqlite-vec the
// nearest neighbours come from the vec0 index; the index is global, so any
// filtered document it did not return is compared directly.
func (s *Service) vectorScores(ctx context.Context, qv []float32, docs []doc, k int) map[string]float64 {
	scores := make(map[string]float64)
	if s.vec.available && len(qv) == s.vec.dims {
		limit := k * 10
		if limit < 64 {
			limit = 64
		}
		hits, err := s.vec.Search(ctx, qv, limit)
		if err == nil {
			for _, h := range hits {
				scores[h.DocID] = clamp01(1 - h.Distance)
			}
		} else {
			s.logger.Debug("vec0 search failed, using linear scan", "error", err)
		}
	}
	for _, d := range docs {
		if _, ok := scores[d.ID]; ok || len(d.embedding) == 0 {
			continue
		}
		scores[d.ID] = clamp01(llm.Cosine(qv, d.embedding))
	}
	return scores
}

// lexicalScore is the fraction of distinct query terms present in text.
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, w := range llm.Tokenize(text) {
		present[w] = true
	}
	n := 0
	for _, t := range terms {
		if present[t] {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID < hits[j].ID
	})
}

func truncate(hits []Hit, k int) []Hit {
	if len(hits) > k {
		return hits[:k]
	}
	return hits
}

// filterClause renders f as a WHERE fragment.
func filterClause(f Filter) (string, []any) {
	var artifactConds, memoryConds []string
	var artifactArgs, memoryArgs []any

	if f.Project != "" {
		artifactConds = append(artifactConds, "project = ?")
		artifactArgs = append(artifactArgs, f.Project)
		memoryConds = append(memoryConds, "(project = ? OR project = '')")
		memoryArgs = append(memoryArgs, f.Project)
	}
	if f.Phase != "" {
		artifactConds = append(artifactConds, "phase = ?")
		artifactArgs = append(artifactArgs, string(f.Phase))
	}
	if len(f.Kinds) > 0 {
		artifactConds = append(artifactConds, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			artifactArgs = append(artifactArgs, string(k))
		}
	}
	if len(f.Categories) > 0 {
		memoryConds = append(memoryConds, "category IN ("+placeholders(len(f.Categories))+")")
		for _, c := range f.Categories {
			memoryArgs = append(memoryArgs, string(c))
		}
	}

	wantArtifacts := f.Phase != "" || len(f.Kinds) > 0
	wantMemory := len(f.Categories) > 0
	if !wantArtifacts && !wantMemory {
		wantArtifacts, wantMemory = true, true
	}

	var parts []string
	var args []any
	if wantArtifacts {
		cond := append([]string{"source = '" + SourceArtifact + "'"}, artifactConds...)
		parts = append(parts, "("+strings.Join(cond, " AND ")+")")
		args = append(args, artifactArgs...)
	}
	if wantMemory {
		cond := append([]string{"source = '" + SourceMemory + "'"}, memoryConds...)
		parts = append(parts, "("+strings.Join(cond, " AND ")+")")
		args = append(args, memoryArgs...)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Service) loadDocs(ctx context.Context, f Filter, restrict []string) ([]doc, error) {
	where, args := filterClause(f)
	q := `SELECT doc_id, source, project, phase, kind, category, path, body, embedding, created_at FROM retrieval_docs WHERE ` + where
	if restrict != nil {
		q += ` AND doc_id IN (` + placeholders(len(restrict)) + `)`
		for _, id := range restrict {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []doc
	for rows.Next() {
		var d doc
		var ph, kind, category string
		var embedding sql.NullString
		if err := rows.Scan(&d.ID, &d.Source, &d.Project, &ph, &kind, &category, &d.Path, &d.Text, &embedding, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Phase = phase.Phase(ph)
		d.Kind = phase.Kind(kind)
		d.Category = store.Category(category)
		if embedding.Valid && embedding.String != "" {
			_ = json.Unmarshal([]byte(embedding.String), &d.embedding)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Compose runs several queries and merges their hits by id, keeping the best
// score. The result is degraded if any query was.
func (s *Service) Compose(ctx context.Context, queries []Query, k int) Result {
	if k <= 0 {
		k = s.defaultK
	}
	best := make(map[string]Hit)
	var out Result
	for _, q := range queries {
		if q.K <= 0 {
			q.K = k * 2
		}
		r := s.Similar(ctx, q)
		out.Degraded = out.Degraded || r.Degraded
		for _, h := range r.Hits {
			if existing, ok := best[h.ID]; !ok || h.Score > existing.Score {
				best[h.ID] = h
			}
		}
	}
	for _, h := range best {
		out.Hits = append(out.Hits, h)
	}
	sortHits(out.Hits)
	out.Hits = truncate(out.Hits, k)
	return out
}

// IndexArtifact projects a persisted artifact into the index.
func (s *Service) IndexArtifact(ctx context.Context, a *store.Artifact) error {
	body := ArtifactText(a)
	d := doc{Hit: Hit{
		ID: a.ID, Source: SourceArtifact, Project: a.Project, Phase: a.Phase, Kind: a.Kind,
		Text: body, CreatedAt: a.ProducedAt,
	}}
	if s.embedder != nil {
		v, err := s.embedder.Embed(ctx, body)
		if err != nil {
			s.logger.Warn("artifact embedding failed, indexing lexically", "artifact", a.ID, "error", err)
		} else {
			d.embedding = v
		}
	}
	return s.put(ctx, d)
}

// IngestMemory stores m through the Artifact Store and indexes it. Re-ingesting
// the same content under the same path changes nothing and reports false.
func (s *Service) IngestMemory(ctx context.Context, m *store.MemoryRecord) (bool, error) {
	existing, err := s.st.GetMemoryByPath(ctx, m.Path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	unchanged := existing != nil && existing.ContentHash == store.ContentHash(m.Content) &&
		existing.Category == m.Category && existing.Project == m.Project
	if !unchanged && s.embedder != nil && len(m.Embedding) == 0 {
		v, err := s.embedder.Embed(ctx, m.Content)
		if err != nil {
			s.logger.Warn("memory embedding failed, indexing lexically", "path", m.Path, "error", err)
		} else {
			m.Embedding = v
		}
	}

	changed, err := s.st.UpsertMemory(ctx, m)
	if err != nil {
		return false, err
	}
	if err := s.indexMemory(ctx, m); err != nil {
		return changed, err
	}
	return changed, nil
}

func (s *Service) indexMemory(ctx context.Context, m *store.MemoryRecord) error {
	d := doc{Hit: Hit{
		ID: m.ID, Source: SourceMemory, Project: m.Project, Category: m.Category, Path: m.Path,
		Text: m.Content, CreatedAt: m.CreatedAt,
	}}
	if len(m.Embedding) > 0 && (s.embedder == nil || len(m.Embedding) == s.embedder.Dimensions()) {
		d.embedding = m.Embedding
	} else if s.embedder != nil {
		if v, err := s.embedder.Embed(ctx, m.Content); err == nil {
			d.embedding = v
		}
	}
	return s.put(ctx, d)
}

func (s *Service) put(ctx context.Context, d doc) error {
	if err := s.check(OpIndex); err != nil {
		return err
	}
	var embedding any
	if len(d.embedding) > 0 {
		b, err := json.Marshal(d.embedding)
		if err != nil {
			return err
		}
		embedding = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO retrieval_docs (doc_id, source, project, phase, kind, category, path, body, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET source = excluded.source, project = excluded.project, phase = excluded.phase,
			kind = excluded.kind, category = excluded.category, path = excluded.path, body = excluded.body,
			embedding = excluded.embedding, created_at = excluded.created_at
	`, d.ID, d.Source, d.Project, string(d.Phase), string(d.Kind), string(d.Category), d.Path, d.Text, embedding, d.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("index %s: %w", d.ID, err)
	}
	if s.fts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retrieval_fts WHERE doc_id = ?`, d.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO retrieval_fts (doc_id, body) VALUES (?, ?)`, d.ID, d.Text); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if len(d.embedding) > 0 {
		if err := s.vec.Upsert(ctx, d.ID, d.embedding); err != nil {
			s.logger.Warn("vec index upsert failed", "doc", d.ID, "error", err)
		}
	} else {
		s.vec.Delete(ctx, d.ID)
	}
	return nil
}

// Rebuild drops the projection and re-indexes every artifact and memory record
// from the store. It returns the number of indexed documents.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	stmts := []string{`DELETE FROM retrieval_docs`}
	if s.fts {
		stmts = append(stmts, `DELETE FROM retrieval_fts`)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("reset index: %w", err)
		}
	}
	if err := s.vec.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset vec index: %w", err)
	}

	n := 0
	projects, err := s.st.ListProjects(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		arts, err := s.st.QueryArtifacts(ctx, store.ArtifactFilter{Project: p.ID, Ascending: true})
		if err != nil {
			return n, err
		}
		for _, a := range arts {
			if err := s.IndexArtifact(ctx, a); err != nil {
				return n, err
			}
			n++
		}
	}
	mem, err := s.st.ListMemory(ctx, 0)
	if err != nil {
		return n, err
	}
	for _, m := range mem {
		if err := s.indexMemory(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("retrieval index rebuilt", "documents", n)
	return n, nil
}

// Count returns the number of indexed documents per source.
func (s *Service) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM retrieval_docs GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{SourceArtifact: 0, SourceMemory: 0}
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}
