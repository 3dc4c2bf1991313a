package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// letterVectorizer maps text to letter frequencies.
type letterVectorizer struct {
	fail error
}

func (v letterVectorizer) Vectorize(_ context.Context, text string) ([]float32, error) {
	if v.fail != nil {
		return nil, v.fail
	}
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func (v letterVectorizer) VectorizeQuery(ctx context.Context, text string) ([]float32, error) {
	return v.Vectorize(ctx, text)
}

func newTestStore(t *testing.T, v Vectorizer) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(tmpDir, "index.db"), filepath.Join(tmpDir, "archives"), v)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "store-test-*")
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "index.db")
	archiveDir := filepath.Join(tmpDir, "archives")

	s, err := NewSQLiteStore(dbPath, archiveDir, letterVectorizer{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	t.Run("Archives", func(t *testing.T) {
		a := &Archive{
			ID:        "b1",
			Namespace: "UserRecords",
			Path:      "UserRecords/b1.cbor",
			Codec:     "zstd",
			Count:     3,
			CreatedAt: time.Now(),
			Digest:    "abc",
		}
		content := []byte("packed records")

		if err := s.SaveArchive(a, content); err != nil {
			t.Fatalf("SaveArchive failed: %v", err)
		}

		got, gotContent, err := s.GetArchive("b1")
		if err != nil {
			t.Fatalf("GetArchive failed: %v", err)
		}
		if string(gotContent) != string(content) {
			t.Errorf("Expected content %q, got %q", content, gotContent)
		}
		if got.Codec != "zstd" || got.Count != 3 {
			t.Errorf("Unexpected archive row: %+v", got)
		}

		list, err := s.ListArchives("UserRecords")
		if err != nil {
			t.Fatalf("ListArchives failed: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("Expected 1 archive, got %d", len(list))
		}

		if _, _, err := s.GetArchive("missing"); err == nil {
			t.Error("Expected error for missing archive")
		}
	})

	t.Run("Config", func(t *testing.T) {
		if err := s.SetConfig("salt", "s1"); err != nil {
			t.Fatalf("SetConfig failed: %v", err)
		}
		if err := s.SetConfig("salt", "s2"); err != nil {
			t.Fatalf("SetConfig overwrite failed: %v", err)
		}
		val, err := s.GetConfig("salt")
		if err != nil {
			t.Fatalf("GetConfig failed: %v", err)
		}
		if val != "s2" {
			t.Errorf("Expected 's2', got '%s'", val)
		}

		empty, err := s.GetConfig("missing")
		if err != nil || empty != "" {
			t.Errorf("Expected empty value for missing key, got %q (%v)", empty, err)
		}
	})
}

func TestSemanticSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, letterVectorizer{})

	docs := []struct {
		id, content, kind string
	}{
		{"e1", "document open", "DocumentOpen"},
		{"e2", "template select", "TemplateSelect"},
		{"e3", "zzz quiz", "SearchQuery"},
	}
	for _, d := range docs {
		meta := map[string]string{IDKey: d.id, "eventType": d.kind}
		if err := s.IndexContent(ctx, d.content, "UserRecords", meta); err != nil {
			t.Fatalf("IndexContent failed: %v", err)
		}
	}
	if err := s.IndexContent(ctx, "document open", "Other", nil); err != nil {
		t.Fatalf("IndexContent failed: %v", err)
	}

	t.Run("ranked", func(t *testing.T) {
		res, err := s.SemanticSearch(ctx, "document open", "UserRecords", 10, nil)
		if err != nil {
			t.Fatalf("SemanticSearch failed: %v", err)
		}
		if len(res) != 3 {
			t.Fatalf("expected 3 results, got %d", len(res))
		}
		if res[0].ID != "e1" {
			t.Errorf("expected e1 first, got %s", res[0].ID)
		}
		for i := 1; i < len(res); i++ {
			if res[i].Similarity > res[i-1].Similarity {
				t.Errorf("results not sorted at %d", i)
			}
		}
	})

	t.Run("limit", func(t *testing.T) {
		res, _ := s.SemanticSearch(ctx, "document", "UserRecords", 1, nil)
		if len(res) != 1 {
			t.Errorf("expected 1 result, got %d", len(res))
		}
		res, _ = s.SemanticSearch(ctx, "document", "UserRecords", 0, nil)
		if len(res) != 0 {
			t.Errorf("expected no results for zero limit, got %d", len(res))
		}
	})

	t.Run("filters", func(t *testing.T) {
		res, err := s.SemanticSearch(ctx, "document open", "UserRecords", 10, map[string]string{"eventType": "TemplateSelect"})
		if err != nil {
			t.Fatalf("SemanticSearch failed: %v", err)
		}
		if len(res) != 1 || res[0].ID != "e2" {
			t.Errorf("expected only e2, got %+v", res)
		}
	})

	t.Run("reindex replaces", func(t *testing.T) {
		meta := map[string]string{IDKey: "e3", "eventType": "SearchQuery"}
		if err := s.IndexContent(ctx, "search query", "UserRecords", meta); err != nil {
			t.Fatalf("IndexContent failed: %v", err)
		}
		st, _ := s.NamespaceStatistics(ctx, "UserRecords")
		if st.DocumentCount != 3 {
			t.Errorf("expected 3 documents, got %d", st.DocumentCount)
		}
	})
}

func TestNamespaceStatistics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, letterVectorizer{})

	st, err := s.NamespaceStatistics(ctx, "empty")
	if err != nil {
		t.Fatalf("NamespaceStatistics failed: %v", err)
	}
	if st.DocumentCount != 0 || st.AvgEmbeddingSize != 0 {
		t.Errorf("expected empty stats, got %+v", st)
	}

	for _, id := range []string{"a", "b"} {
		if err := s.IndexContent(ctx, "open "+id, "ns", map[string]string{IDKey: id}); err != nil {
			t.Fatalf("IndexContent failed: %v", err)
		}
	}
	if err := s.AddRelationship(ctx, "a", "b", "followed_by", 1, "ns"); err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}

	st, _ = s.NamespaceStatistics(ctx, "ns")
	if st.DocumentCount != 2 {
		t.Errorf("expected 2 documents, got %d", st.DocumentCount)
	}
	if st.AvgEmbeddingSize != 26 {
		t.Errorf("expected embedding size 26, got %f", st.AvgEmbeddingSize)
	}
	if st.RelationshipCount != 1 {
		t.Errorf("expected 1 relationship, got %d", st.RelationshipCount)
	}
}

func TestRelationships(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, letterVectorizer{})

	if err := s.AddRelationship(ctx, "a", "b", "followed_by", 0.5, "ns"); err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}
	if err := s.AddRelationship(ctx, "a", "b", "followed_by", 0.9, "ns"); err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}

	rels, err := s.Relationships(ctx, "ns", "a")
	if err != nil {
		t.Fatalf("Relationships failed: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].To != "b" || rels[0].Weight < 0.89 {
		t.Errorf("unexpected relationship: %+v", rels[0])
	}
}

func TestDeleteContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, letterVectorizer{})

	for _, id := range []string{"a", "b", "c"} {
		if err := s.IndexContent(ctx, "open", "ns", map[string]string{IDKey: id}); err != nil {
			t.Fatalf("IndexContent failed: %v", err)
		}
	}
	if err := s.AddRelationship(ctx, "a", "b", "followed_by", 1, "ns"); err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}

	n, err := s.DeleteContent(ctx, "ns", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteContent failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing deleted, got %d", n)
	}

	n, err = s.DeleteContent(ctx, "ns", time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteContent failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 deleted, got %d", n)
	}
	st, _ := s.NamespaceStatistics(ctx, "ns")
	if st.DocumentCount != 0 || st.RelationshipCount != 0 {
		t.Errorf("expected empty namespace, got %+v", st)
	}
}

func TestCountByMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, letterVectorizer{})

	kinds := []string{"DocumentOpen", "DocumentOpen", "DocumentSave"}
	for i, k := range kinds {
		meta := map[string]string{IDKey: string(rune('a' + i)), "eventType": k}
		if err := s.IndexContent(ctx, k, "ns", meta); err != nil {
			t.Fatalf("IndexContent failed: %v", err)
		}
	}
	if err := s.IndexContent(ctx, "no type", "ns", nil); err != nil {
		t.Fatalf("IndexContent failed: %v", err)
	}

	counts, err := s.CountByMetadata(ctx, "ns", "eventType")
	if err != nil {
		t.Fatalf("CountByMetadata failed: %v", err)
	}
	if counts["DocumentOpen"] != 2 || counts["DocumentSave"] != 1 || len(counts) != 2 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestVectorizerErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	s := newTestStore(t, letterVectorizer{fail: boom})

	if err := s.IndexContent(ctx, "x", "ns", nil); !errors.Is(err, boom) {
		t.Errorf("expected vectorizer error, got %v", err)
	}
	if _, err := s.SemanticSearch(ctx, "x", "ns", 5, nil); !errors.Is(err, boom) {
		t.Errorf("expected vectorizer error, got %v", err)
	}

	bare := newTestStore(t, nil)
	if err := bare.IndexContent(ctx, "x", "ns", nil); !errors.Is(err, ErrNoVectorizer) {
		t.Errorf("expected ErrNoVectorizer, got %v", err)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out := decodeVector(encodeVector(in))
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: expected %f, got %f", i, in[i], out[i])
		}
	}
}
