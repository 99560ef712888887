package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// FakeClient is a deterministic embedding client for tests. It hashes each
// input text with SHA-256 and uses the hash as a seed to generate
// reproducible, unit-normalized vectors, so the same text always embeds to
// the same vector and near-identical text embeds close by construction only
// when callers arrange for it (see NearDuplicateOf).
type FakeClient struct {
	dim   int
	model string
}

// NewFakeClient creates a FakeClient producing vectors of the given
// dimension.
func NewFakeClient(dimension int) *FakeClient {
	return &FakeClient{dim: dimension, model: "fake-embedding"}
}

// Embed returns deterministic vectors for texts.
func (f *FakeClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectorFor(t)
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (f *FakeClient) EmbedOne(_ context.Context, text string) ([]float32, error) {
	return f.vectorFor(text), nil
}

// Dimension returns the configured dimension.
func (f *FakeClient) Dimension() int { return f.dim }

// ModelName returns the fake model label.
func (f *FakeClient) ModelName() string { return f.model }

func (f *FakeClient) vectorFor(text string) []float32 {
	hash := sha256.Sum256([]byte(text))
	//nolint:gosec // deterministic seeding, not used for cryptography
	seed := int64(binary.LittleEndian.Uint64(hash[:8]))
	//nolint:gosec // deterministic RNG is intentional for fake embeddings
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = rng.Float32()*2 - 1
	}
	return normalize(vec)
}
