package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex keeps document embeddings in a sqlite-vec vec0 table for KNN
// queries. When the extension is missing every method is a no-op and the
// service scores embeddings by linear scan instead.
type vecIndex struct {
	db        *sql.DB
	dims      int
	available bool
	logger    *slog.Logger
}

type vecHit struct {
	DocID    string
	Distance float64
}

func newVecIndex(ctx context.Context, db *sql.DB, dims int, logger *slog.Logger) *vecIndex {
	vi := &vecIndex{db: db, dims: dims, logger: logger}
	if dims <= 0 {
		return vi
	}
	if err := vi.ensureSchema(ctx); err != nil {
		logger.Warn("sqlite-vec not available, using linear scan", "error", err)
		return vi
	}
	vi.available = true
	return vi
}

func (vi *vecIndex) ensureSchema(ctx context.Context) error {
	var version string
	if err := vi.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}
	if _, err := vi.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS retrieval_vec_meta (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create retrieval_vec_meta: %w", err)
	}
	// vec0 keys rows by integer; documents use text ids.
	if _, err := vi.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS retrieval_vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create retrieval_vec_ids: %w", err)
	}

	vi.dropOnDimensionChange(ctx)

	create := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS retrieval_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`, vi.dims)
	if _, err := vi.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}
	_, err := vi.db.ExecContext(ctx, `INSERT OR REPLACE INTO retrieval_vec_meta (key, value) VALUES ('dimensions', ?)`, strconv.Itoa(vi.dims))
	return err
}

// dropOnDimensionChange discards the vec0 table when the embedder width changed
// since it was created, e.g. after switching llm.provider.
func (vi *vecIndex) dropOnDimensionChange(ctx context.Context) {
	var stored string
	if err := vi.db.QueryRowContext(ctx, `SELECT value FROM retrieval_vec_meta WHERE key = 'dimensions'`).Scan(&stored); err != nil {
		return
	}
	if stored == strconv.Itoa(vi.dims) {
		return
	}
	vi.logger.Warn("embedding dimensions changed, rebuilding vector index", "from", stored, "to", vi.dims)
	_, _ = vi.db.ExecContext(ctx, `DROP TABLE IF EXISTS retrieval_embeddings`)
	_, _ = vi.db.ExecContext(ctx, `DELETE FROM retrieval_vec_ids`)
}

// Upsert stores or replaces the embedding of docID.
func (vi *vecIndex) Upsert(ctx context.Context, docID string, embedding []float32) error {
	if !vi.available || len(embedding) != vi.dims {
		return nil
	}
	var vecID int64
	err := vi.db.QueryRowContext(ctx, `SELECT vec_id FROM retrieval_vec_ids WHERE doc_id = ?`, docID).Scan(&vecID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := vi.db.ExecContext(ctx, `INSERT INTO retrieval_vec_ids (doc_id) VALUES (?)`, docID)
		if err != nil {
			return fmt.Errorf("failed to map vec id: %w", err)
		}
		vecID, _ = res.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	// vec0 has no upsert.
	_, _ = vi.db.ExecContext(ctx, `DELETE FROM retrieval_embeddings WHERE rowid = ?`, vecID)
	if _, err := vi.db.ExecContext(ctx, `INSERT INTO retrieval_embeddings (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// Search returns up to limit nearest documents by cosine distance.
func (vi *vecIndex) Search(ctx context.Context, query []float32, limit int) ([]vecHit, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}
	if len(query) != vi.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d", len(query), vi.dims)
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := vi.db.QueryContext(ctx, `
		SELECT rowid, distance
		FROM retrieval_embeddings
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	type knn struct {
		rowID    int64
		distance float64
	}
	var found []knn
	for rows.Next() {
		var r knn
		if err := rows.Scan(&r.rowID, &r.distance); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(found))
	args := make([]any, len(found))
	for i, r := range found {
		placeholders[i] = "?"
		args[i] = r.rowID
	}
	mapRows, err := vi.db.QueryContext(ctx,
		`SELECT vec_id, doc_id FROM retrieval_vec_ids WHERE vec_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer mapRows.Close()
	ids := make(map[int64]string, len(found))
	for mapRows.Next() {
		var vecID int64
		var docID string
		if err := mapRows.Scan(&vecID, &docID); err != nil {
			return nil, err
		}
		ids[vecID] = docID
	}

	out := make([]vecHit, 0, len(found))
	for _, r := range found {
		if id, ok := ids[r.rowID]; ok {
			out = append(out, vecHit{DocID: id, Distance: r.distance})
		}
	}
	return out, mapRows.Err()
}

// Delete removes docID from the index.
func (vi *vecIndex) Delete(ctx context.Context, docID string) {
	if !vi.available {
		return
	}
	var vecID int64
	if err := vi.db.QueryRowContext(ctx, `SELECT vec_id FROM retrieval_vec_ids WHERE doc_id = ?`, docID).Scan(&vecID); err != nil {
		return
	}
	_, _ = vi.db.ExecContext(ctx, `DELETE FROM retrieval_embeddings WHERE rowid = ?`, vecID)
	_, _ = vi.db.ExecContext(ctx, `DELETE FROM retrieval_vec_ids WHERE vec_id = ?`, vecID)
}

// Reset empties the index.
func (vi *vecIndex) Reset(ctx context.Context) error {
	if !vi.available {
		return nil
	}
	if _, err := vi.db.ExecContext(ctx, `DELETE FROM retrieval_embeddings`); err != nil {
		return err
	}
	_, err := vi.db.ExecContext(ctx, `DELETE FROM retrieval_vec_ids`)
	return err
}
