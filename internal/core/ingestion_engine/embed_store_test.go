package ingestion_engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/testutil"
)

func textChunks(texts ...string) []TextChunk {
	out := make([]TextChunk, len(texts))
	for i, t := range texts {
		out[i] = TextChunk{Index: i, Text: t}
	}
	return out
}

func TestEmbedChunksKeepsOrder(t *testing.T) {
	emb := testutil.NewHashEmbedder(8)
	out, err := EmbedChunks(context.Background(), emb, textChunks("a", "b", "c"), 2, 0, RetryPolicy{})
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, i, out[i].Index)
		assert.Equal(t, want, out[i].Text)
		assert.Equal(t, emb.Vector(want), out[i].Embedding)
	}
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, emb.Batches())
	for _, p := range emb.Purposes() {
		assert.Equal(t, core.PurposeDocument, p)
	}
}

func TestEmbedChunksFailedBatch(t *testing.T) {
	emb := testutil.NewHashEmbedder(8)
	emb.FailOnCall = 2

	out, err := EmbedChunks(context.Background(), emb, textChunks("a", "b", "c"), 2, 0, RetryPolicy{})
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[2,3)")
}

func TestEmbedChunksRetriesBatch(t *testing.T) {
	emb := testutil.NewHashEmbedder(8)
	emb.FailOnCall = 1

	out, err := EmbedChunks(context.Background(), emb, textChunks("a", "b"), 5, 0, RetryPolicy{MaxAttempts: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Len(t, emb.Batches(), 2)
}

type shortEmbedder struct{ testutil.HashEmbedder }

func (s *shortEmbedder) EmbedTexts(ctx context.Context, texts []string, p core.EmbedPurpose) ([][]float32, error) {
	vecs, err := s.HashEmbedder.EmbedTexts(ctx, texts, p)
	if err != nil {
		return nil, err
	}
	return vecs[:len(vecs)-1], nil
}

func TestEmbedChunksCountMismatch(t *testing.T) {
	emb := &shortEmbedder{HashEmbedder: testutil.HashEmbedder{Dim: 4}}
	_, err := EmbedChunks(context.Background(), emb, textChunks("a", "b"), 5, 0, RetryPolicy{})
	assert.ErrorContains(t, err, "size mismatch")
}
