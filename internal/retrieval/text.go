package retrieval

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// maxFTSCandidates bounds the FTS5 pre-selection.
const maxFTSCandidates = 500

// ftsCandidates returns ids of filtered documents containing any of terms.
func (s *Service) ftsCandidates(ctx context.Context, terms []string, f Filter) ([]string, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	where, args := filterClause(f)
	q := `SELECT f.doc_id FROM retrieval_fts f JOIN retrieval_docs d ON d.doc_id = f.doc_id
		WHERE retrieval_fts MATCH ? AND ` + prefixColumns(where) + ` LIMIT ?`
	all := append([]any{strings.Join(quoted, " OR ")}, args...)
	all = append(all, maxFTSCandidates)

	rows, err := s.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// prefixColumns qualifies the filter's bare column names with the docs alias.
func prefixColumns(where string) string {
	r := strings.NewReplacer(
		"source =", "d.source =",
		"project =", "d.project =",
		"phase =", "d.phase =",
		"kind IN", "d.kind IN",
		"category IN", "d.category IN",
	)
	return r.Replace(where)
}

// ArtifactText is the indexed body of an artifact: kind, subject, summary and
// every string in the payload.
func ArtifactText(a *store.Artifact) string {
	parts := []string{string(a.Kind)}
	if a.Subject != "" {
		parts = append(parts, a.Subject)
	}
	if a.Summary != "" {
		parts = append(parts, a.Summary)
	}
	var payload any
	if err := json.Unmarshal(a.Payload, &payload); err == nil {
		collectStrings(payload, &parts)
	}
	return strings.Join(parts, "\n")
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			*out = append(*out, s)
		}
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], out)
		}
	}
}
