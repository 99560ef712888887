package embedder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeClientDeterministic(t *testing.T) {
	t.Parallel()

	c := NewFakeClient(16)
	v1, err := c.EmbedOne(context.Background(), "read the docs")
	require.NoError(t, err)
	v2, err := c.EmbedOne(context.Background(), "read the docs")
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.Len(t, v1, 16)
}

func TestFakeClientDistinctTextsDiffer(t *testing.T) {
	t.Parallel()

	c := NewFakeClient(16)
	v1, err := c.EmbedOne(context.Background(), "read the docs")
	require.NoError(t, err)
	v2, err := c.EmbedOne(context.Background(), "create a block")
	require.NoError(t, err)

	require.NotEqual(t, v1, v2)
}

func TestFakeClientEmbedPreservesOrder(t *testing.T) {
	t.Parallel()

	c := NewFakeClient(8)
	texts := []string{"alpha", "beta", "gamma"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		one, err := c.EmbedOne(context.Background(), text)
		require.NoError(t, err)
		require.Equal(t, one, vecs[i])
	}
}

func TestFakeClientMetadata(t *testing.T) {
	t.Parallel()

	c := NewFakeClient(32)
	require.Equal(t, 32, c.Dimension())
	require.NotEmpty(t, c.ModelName())
}
