// Package embedding reduces model embeddings to the indexed dimension and
// perturbs them before they leave the process.
package embedding

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// SourceDimension is the width produced by the embedding model.
	SourceDimension = 768
	// IndexDimension is the width stored in the index.
	IndexDimension = 384
)

// WorkflowEmbedding is a compressed vector plus the privacy parameters it
// was produced with.
type WorkflowEmbedding struct {
	Vector      []float32
	Epsilon     float64
	Timestamp   time.Time
	Domain      string
	CommunityID string
	Confidence  float64
}

// Compress halves a 768-wide vector by averaging adjacent pairs. Any other
// width is returned unchanged.
func Compress(v []float32) []float32 {
	if len(v) != SourceDimension {
		return v
	}
	out := make([]float32, IndexDimension)
	for i := range out {
		out[i] = (v[2*i] + v[2*i+1]) / 2
	}
	return out
}

// WithPrivacyNoise returns a copy with uniform noise in [-eps, eps] added to
// every element and confidence reduced by 5%. eps <= 0 returns e unchanged.
func (e WorkflowEmbedding) WithPrivacyNoise(eps float64) WorkflowEmbedding {
	return e.withNoise(eps, rand.Float64)
}

func (e WorkflowEmbedding) withNoise(eps float64, uniform func() float64) WorkflowEmbedding {
	if eps <= 0 {
		return e
	}
	noisy := make([]float32, len(e.Vector))
	for i, x := range e.Vector {
		noisy[i] = x + float32((uniform()*2-1)*eps)
	}
	e.Vector = noisy
	e.Epsilon = eps
	e.Confidence *= 0.95
	return e
}

// CosineSimilarity returns 0 for mismatched lengths or zero-magnitude input.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Embedder produces raw model embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pipeline embeds text and prepares it for the index.
type Pipeline struct {
	Embedder     Embedder
	NoiseEpsilon float64
	Domain       string
}

// Embed runs the model, compresses and adds privacy noise.
func (p Pipeline) Embed(ctx context.Context, text string) (WorkflowEmbedding, error) {
	raw, err := p.Embedder.Embed(ctx, text)
	if err != nil {
		return WorkflowEmbedding{}, fmt.Errorf("embedding failed: %w", err)
	}
	e := WorkflowEmbedding{
		Vector:     Compress(raw),
		Timestamp:  time.Now(),
		Domain:     p.Domain,
		Confidence: 1.0,
	}
	return e.WithPrivacyNoise(p.NoiseEpsilon), nil
}

// Vectorize returns the noisy index vector for stored content.
func (p Pipeline) Vectorize(ctx context.Context, text string) ([]float32, error) {
	e, err := p.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.Vector, nil
}

// VectorizeQuery returns the compressed vector for a search query. Queries
// never leave the process so they are not perturbed.
func (p Pipeline) VectorizeQuery(ctx context.Context, text string) ([]float32, error) {
	raw, err := p.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	return Compress(raw), nil
}
