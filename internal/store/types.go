package store

import (
	"context"
	"time"
)

// SearchResult is one semantic search hit.
type SearchResult struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// NamespaceStats summarizes a namespace.
type NamespaceStats struct {
	DocumentCount     int
	AvgEmbeddingSize  float64
	RelationshipCount int
	ArchiveCount      int
}

// Relationship is a weighted edge between two indexed entries.
type Relationship struct {
	From      string
	To        string
	Type      string
	Weight    float32
	Namespace string
	CreatedAt time.Time
}

// Archive is a stored batch blob. Content lives on disk under the archive
// directory; the row records where and how it was encoded.
type Archive struct {
	ID        string
	Namespace string
	Path      string
	Codec     string
	Count     int
	CreatedAt time.Time
	Digest    string
}

// Vectorizer turns text into index vectors. Stored content and queries may
// be vectorized differently.
type Vectorizer interface {
	Vectorize(ctx context.Context, text string) ([]float32, error)
	VectorizeQuery(ctx context.Context, text string) ([]float32, error)
}

// Storage defines the interface for persistence
type Storage interface {
	// Index
	IndexContent(ctx context.Context, content, namespace string, metadata map[string]string) error
	SemanticSearch(ctx context.Context, query, namespace string, limit int, filters map[string]string) ([]SearchResult, error)
	NamespaceStatistics(ctx context.Context, namespace string) (NamespaceStats, error)
	AddRelationship(ctx context.Context, from, to, relType string, weight float32, namespace string) error
	DeleteContent(ctx context.Context, namespace string, olderThan time.Time) (int, error)
	CountByMetadata(ctx context.Context, namespace, key string) (map[string]int, error)

	// Archives
	SaveArchive(archive *Archive, content []byte) error
	GetArchive(id string) (*Archive, []byte, error)
	ListArchives(namespace string) ([]*Archive, error)

	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
