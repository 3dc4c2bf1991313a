package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/veil/internal/embedding"
)

// ErrNoVectorizer is returned when indexing or searching without a vectorizer.
var ErrNoVectorizer = errors.New("store: no vectorizer configured")

// IndexContent vectorizes content and stores it in namespace. The entry id is
// metadata[IDKey] when present; re-indexing an id replaces the entry.
func (s *SQLiteStore) IndexContent(ctx context.Context, content, namespace string, metadata map[string]string) error {
	if s.vectorizer == nil {
		return ErrNoVectorizer
	}
	vec, err := s.vectorizer.Vectorize(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to vectorize content: %w", err)
	}

	id := metadata[IDKey]
	if id == "" {
		id = uuid.NewString()
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `INSERT OR REPLACE INTO contents (id, namespace, content, vector, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, id, namespace, content, encodeVector(vec), string(meta), time.Now().UnixNano())
	return err
}

// SemanticSearch ranks entries in namespace by cosine similarity to query.
// Entries whose metadata does not match every filter are skipped.
func (s *SQLiteStore) SemanticSearch(ctx context.Context, query, namespace string, limit int, filters map[string]string) ([]SearchResult, error) {
	if s.vectorizer == nil {
		return nil, ErrNoVectorizer
	}
	if limit <= 0 {
		return nil, nil
	}
	qvec, err := s.vectorizer.VectorizeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to vectorize query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, content, vector, metadata FROM contents WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var blob []byte
		var meta string
		if err := rows.Scan(&r.ID, &r.Content, &blob, &meta); err != nil {
			return nil, err
		}
		if r.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if !matches(r.Metadata, filters) {
			continue
		}
		r.Similarity = embedding.CosineSimilarity(qvec, decodeVector(blob))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// NamespaceStatistics counts entries, edges and archives in namespace.
func (s *SQLiteStore) NamespaceStatistics(ctx context.Context, namespace string) (NamespaceStats, error) {
	var st NamespaceStats
	var avg sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(LENGTH(vector)) FROM contents WHERE namespace = ?`, namespace)
	if err := row.Scan(&st.DocumentCount, &avg); err != nil {
		return st, err
	}
	if avg.Valid {
		st.AvgEmbeddingSize = avg.Float64 / 4
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships WHERE namespace = ?`, namespace).Scan(&st.RelationshipCount); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archives WHERE namespace = ?`, namespace).Scan(&st.ArchiveCount); err != nil {
		return st, err
	}
	return st, nil
}

// AddRelationship records a directed edge. Adding the same edge again
// overwrites its weight.
func (s *SQLiteStore) AddRelationship(ctx context.Context, from, to, relType string, weight float32, namespace string) error {
	query := `INSERT INTO relationships (from_id, to_id, type, weight, namespace, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type, namespace) DO UPDATE SET weight = excluded.weight`
	_, err := s.db.ExecContext(ctx, query, from, to, relType, weight, namespace, time.Now().UnixNano())
	return err
}

// Relationships lists the edges leaving from.
func (s *SQLiteStore) Relationships(ctx context.Context, namespace, from string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_id, to_id, type, weight, namespace, created_at FROM relationships WHERE namespace = ? AND from_id = ? ORDER BY created_at`, namespace, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		var created int64
		if err := rows.Scan(&r.From, &r.To, &r.Type, &r.Weight, &r.Namespace, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteContent removes entries indexed before olderThan together with any
// edges that touch them, and reports how many entries were removed.
func (s *SQLiteStore) DeleteContent(ctx context.Context, namespace string, olderThan time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE namespace = ? AND created_at < ?`, namespace, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	prune := `DELETE FROM relationships WHERE namespace = ?
		AND (from_id NOT IN (SELECT id FROM contents) OR to_id NOT IN (SELECT id FROM contents))`
	if _, err := tx.ExecContext(ctx, prune, namespace); err != nil {
		return 0, fmt.Errorf("failed to prune relationships: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountByMetadata tallies entries in namespace by the value stored under key.
// Entries without the key are not counted.
func (s *SQLiteStore) CountByMetadata(ctx context.Context, namespace, key string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metadata FROM contents WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var meta string
		if err := rows.Scan(&meta); err != nil {
			return nil, err
		}
		m, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		if v, ok := m[key]; ok {
			counts[v]++
		}
	}
	return counts, rows.Err()
}

func matches(meta, filters map[string]string) bool {
	for k, v := range filters {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func decodeMetadata(s string) (map[string]string, error) {
	m := make(map[string]string)
	if s == "" || s == "null" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
