package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"

	"github.com/koushole/bookrag/internal/core"
)

// geminiBatchLimit is the API's per-request cap for batchEmbedContents.
const geminiBatchLimit = 100

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
	guard     *Guard
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int, guard *Guard) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder: api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim, guard: guard}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) Dimension() int { return g.dim }

// EmbedTexts embeds texts with the retrieval task type matching purpose.
// Output order matches input order.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string, purpose core.EmbedPurpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, span := otel.Tracer("bookrag/llm").Start(ctx, "gemini.embed")
	defer span.End()
	span.SetAttributes(
		attribute.Int("embed.texts", len(texts)),
		attribute.String("embed.purpose", purpose.String()),
	)

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = genai.TaskTypeRetrievalDocument
	if purpose == core.PurposeQuery {
		em.TaskType = genai.TaskTypeRetrievalQuery
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiBatchLimit {
		end := min(start+geminiBatchLimit, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		var resp *genai.BatchEmbedContentsResponse
		err := g.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = em.BatchEmbedContents(ctx, batch)
			return err
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("gemini batch embed: %w", err)
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini batch embed: got %d vectors for %d texts", len(resp.Embeddings), end-start)
		}
		for i, e := range resp.Embeddings {
			if e == nil || (g.dim > 0 && len(e.Values) != g.dim) {
				return nil, fmt.Errorf("gemini batch embed: vector %d has wrong dimension", start+i)
			}
			out = append(out, e.Values)
		}
	}
	return out, nil
}
