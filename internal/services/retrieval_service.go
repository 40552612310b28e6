package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

const (
	DefaultRetrieveLimit = 5
	maxQueryChars        = 8000
	previewChars         = 200
)

var (
	// ErrDimensionMismatch is a configuration error: the query embedding does
	// not match the vectors stored at ingestion time.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyQuery        = errors.New("query is empty")
)

// Citation is the lightweight form of a match shown to users.
type Citation struct {
	Source     int    `json:"source"`
	ChunkIndex int    `json:"chunk_index"`
	Preview    string `json:"preview"`
	Similarity int    `json:"similarity"`
}

// RetrievalResult carries the grounding context for a prompt and its
// citations. Context is empty when nothing matched.
type RetrievalResult struct {
	Context   string              `json:"context"`
	Citations []Citation          `json:"citations"`
	Matches   []models.ChunkMatch `json:"matches"`
}

// Empty reports whether the caller should fall back to ungrounded generation.
func (r *RetrievalResult) Empty() bool {
	return r == nil || len(r.Matches) == 0
}

type RetrievalService struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	dim      int
	log      *logger.Logger
}

// NewRetrievalService builds the retriever. dim is the dimension the store
// was bootstrapped with.
func NewRetrievalService(db core.DbClient, embedder core.EmbeddingProvider, dim int, log *logger.Logger) *RetrievalService {
	return &RetrievalService{db: db, embedder: embedder, dim: dim, log: logger.OrNop(log)}
}

// Retrieve embeds query and returns the top matches within one document.
func (s *RetrievalService) Retrieve(ctx context.Context, query, docID string, collection models.CollectionType, limit int) (*RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}

	ctx, span := otel.Tracer("bookrag/retrieve").Start(ctx, "retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", docID), attribute.Int("retrieve.limit", limit))

	vecs, err := s.embedder.EmbedTexts(ctx, []string{truncate(query, maxQueryChars)}, core.PurposeQuery)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	if s.dim > 0 && len(vecs[0]) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d", ErrDimensionMismatch, len(vecs[0]), s.dim)
	}

	matches, err := s.db.SearchChunks(ctx, collection, docID, vecs[0], limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	span.SetAttributes(attribute.Int("retrieve.matches", len(matches)))
	if len(matches) == 0 {
		s.log.Debug("no chunks matched", "document_id", docID, "collection", collection)
	}
	return buildResult(matches), nil
}

func buildResult(matches []models.ChunkMatch) *RetrievalResult {
	res := &RetrievalResult{Citations: []Citation{}, Matches: []models.ChunkMatch{}}
	blocks := make([]string, 0, len(matches))
	for i, m := range matches {
		blocks = append(blocks, fmt.Sprintf("[Source %d] %s", i+1, m.Text))
		res.Citations = append(res.Citations, Citation{
			Source:     i + 1,
			ChunkIndex: m.Index,
			Preview:    preview(m.Text),
			Similarity: int(math.Round(m.Similarity * 100)),
		})
		res.Matches = append(res.Matches, m)
	}
	res.Context = strings.Join(blocks, "\n\n")
	return res
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewChars {
		return text
	}
	return string(r[:previewChars]) + "..."
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
