package provider

import (
	"context"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/veil/internal/embedding"
)

// StubEmbedder derives a deterministic 768-wide vector from the text, so
// equal text always embeds identically. It needs no model.
type StubEmbedder struct{}

func NewStubEmbedder() *StubEmbedder {
	return &StubEmbedder{}
}

func (m *StubEmbedder) Name() string {
	return "stub"
}

func (m *StubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := blake3.Sum256([]byte(text))
	state := binary.LittleEndian.Uint64(sum[:8])

	vec := make([]float32, embedding.SourceDimension)
	for i := range vec {
		state = state*6364136223846793005 + 1
		vec[i] = float32(state>>40)/float32(1<<24)*2 - 1
	}
	return vec, nil
}
