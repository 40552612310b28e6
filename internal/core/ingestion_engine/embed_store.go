package ingestion_engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/models"
)

const DefaultEmbedBatchSize = 20

// EmbedChunks embeds chunks in batches and binds vector i to chunk i. A batch
// that still fails after retries fails the whole call; no chunk is returned
// without its vector.
func EmbedChunks(ctx context.Context, embedder core.EmbeddingProvider, chunks []TextChunk, batchSize int, pause time.Duration, retry RetryPolicy) ([]models.Chunk, error) {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}
	ctx, span := otel.Tracer("bookrag/ingest").Start(ctx, "chunks.embed")
	defer span.End()
	span.SetAttributes(attribute.Int("chunks.count", len(chunks)), attribute.Int("chunks.batch", batchSize))

	dim := embedder.Dimension()
	out := make([]models.Chunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		if start > 0 && pause > 0 {
			if err := sleepCtx(ctx, pause); err != nil {
				return nil, err
			}
		}

		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Text
		}

		var vecs [][]float32
		err := retry.Do(ctx, func(ctx context.Context) error {
			var err error
			vecs, err = embedder.EmbedTexts(ctx, texts, core.PurposeDocument)
			if err == nil && len(vecs) != len(texts) {
				err = fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(texts))
			}
			return err
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("embed chunks [%d,%d): %w", start, end, err)
		}

		for i, v := range vecs {
			if dim > 0 && len(v) != dim {
				return nil, fmt.Errorf("embed chunk %d: got %d dims, want %d", start+i, len(v), dim)
			}
			c := chunks[start+i]
			out = append(out, models.Chunk{Index: start + i, Text: c.Text, Embedding: v})
		}
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
