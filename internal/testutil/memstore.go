// Package testutil holds in-memory stand-ins for the store and the model
// providers, shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/models"
)

var _ core.DbClient = (*MemStore)(nil)

var ErrInjected = errors.New("injected failure")

type docKey struct {
	collection models.CollectionType
	id         string
}

// Outcome is one MarkOutcome call.
type Outcome struct {
	DocumentID string
	Outcome    models.IngestOutcome
	ImageBased bool
}

// MemStore is an in-memory DbClient. Chunk replacement is all-or-nothing, as
// in the Postgres store: a failing batch leaves the previous set in place.
type MemStore struct {
	mu       sync.Mutex
	dim      int
	docs     map[docKey]*models.Document
	chapters map[docKey][]models.Chapter
	content  map[docKey]models.ContentBlock
	chunks   map[docKey][]models.Chunk
	outcomes []Outcome

	// FailChunkBatch makes ReplaceChunks fail on that batch (1-based).
	FailChunkBatch int
	// FailChapters makes ReplaceChapters fail.
	FailChapters bool
	// ReplaceChunksCalls counts ReplaceChunks invocations.
	ReplaceChunksCalls int
}

// NewMemStore returns an empty store. dim <= 0 skips dimension checks.
func NewMemStore(dim int) *MemStore {
	return &MemStore{
		dim:      dim,
		docs:     map[docKey]*models.Document{},
		chapters: map[docKey][]models.Chapter{},
		content:  map[docKey]models.ContentBlock{},
		chunks:   map[docKey][]models.Chunk{},
	}
}

// AddDocument stores a document with a fresh id when it has none.
func (s *MemStore) AddDocument(doc models.Document) models.Document {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Collection == "" {
		doc.Collection = models.CollectionOfficial
	}
	_ = s.CreateDocument(context.Background(), &doc)
	return doc
}

func (s *MemStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	cp := *doc
	s.docs[docKey{doc.Collection, doc.ID}] = &cp
	return nil
}

func (s *MemStore) GetDocument(_ context.Context, collection models.CollectionType, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docKey{collection, id}]
	if !ok {
		return nil, fmt.Errorf("%s document %s: %w", collection, id, core.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) ListDocuments(_ context.Context, collection models.CollectionType, pendingOnly bool) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for k, d := range s.docs {
		if k.collection != collection {
			continue
		}
		if pendingOnly && d.ChunksGenerated && d.LastOutcome != string(models.OutcomeFailed) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) MarkOutcome(_ context.Context, collection models.CollectionType, id string, outcome models.IngestOutcome, imageBased bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docKey{collection, id}]
	if !ok {
		return fmt.Errorf("%s document %s: %w", collection, id, core.ErrNotFound)
	}
	d.LastOutcome = string(outcome)
	d.IsImageBased = imageBased
	s.outcomes = append(s.outcomes, Outcome{DocumentID: id, Outcome: outcome, ImageBased: imageBased})
	return nil
}

// Outcomes returns every recorded MarkOutcome call in order.
func (s *MemStore) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func (s *MemStore) ReplaceChapters(_ context.Context, collection models.CollectionType, docID string, chapters []models.Chapter) ([]models.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailChapters {
		return nil, ErrInjected
	}
	out := make([]models.Chapter, len(chapters))
	for i, ch := range chapters {
		ch.ID = uuid.NewString()
		ch.DocumentID = docID
		out[i] = ch
	}
	s.chapters[docKey{collection, docID}] = out
	return append([]models.Chapter(nil), out...), nil
}

// Chapters returns the stored chapter list.
func (s *MemStore) Chapters(collection models.CollectionType, docID string) []models.Chapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Chapter(nil), s.chapters[docKey{collection, docID}]...)
}

func (s *MemStore) ReplaceContent(_ context.Context, collection models.CollectionType, block models.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	block.CreatedAt = time.Now()
	s.content[docKey{collection, block.DocumentID}] = block
	return nil
}

func (s *MemStore) GetContent(_ context.Context, collection models.CollectionType, docID string) (*models.ContentBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.content[docKey{collection, docID}]
	if !ok {
		return nil, fmt.Errorf("content for %s: %w", docID, core.ErrNotFound)
	}
	return &b, nil
}

func (s *MemStore) ReplaceChunks(_ context.Context, collection models.CollectionType, docID string, chunks []models.Chunk, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReplaceChunksCalls++

	k := docKey{collection, docID}
	d, ok := s.docs[k]
	if !ok {
		return fmt.Errorf("%s document %s: %w", collection, docID, core.ErrNotFound)
	}
	for i, ch := range chunks {
		if ch.Index != i {
			return fmt.Errorf("chunk ordinals must be contiguous: position %d has index %d", i, ch.Index)
		}
		if s.dim > 0 && len(ch.Embedding) != s.dim {
			return fmt.Errorf("chunk %d has %d dims, store has %d", i, len(ch.Embedding), s.dim)
		}
	}
	if batchSize <= 0 {
		batchSize = len(chunks)
	}
	staged := make([]models.Chunk, 0, len(chunks))
	for batch, start := 1, 0; start < len(chunks); batch, start = batch+1, start+batchSize {
		if batch == s.FailChunkBatch {
			return fmt.Errorf("insert chunk batch %d: %w", batch, ErrInjected)
		}
		end := min(start+batchSize, len(chunks))
		for _, ch := range chunks[start:end] {
			ch.ID = uuid.NewString()
			ch.DocumentID = docID
			ch.CreatedAt = time.Now()
			staged = append(staged, ch)
		}
	}
	s.chunks[k] = staged
	now := time.Now()
	d.ChunksGenerated = true
	d.TotalChunks = len(staged)
	d.EmbeddedAt = &now
	return nil
}

// Chunks returns the stored chunks in ordinal order.
func (s *MemStore) Chunks(collection models.CollectionType, docID string) []models.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Chunk(nil), s.chunks[docKey{collection, docID}]...)
}

// SearchChunks ranks by cosine similarity, highest first.
func (s *MemStore) SearchChunks(_ context.Context, collection models.CollectionType, docID string, query []float32, limit int) ([]models.ChunkMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim > 0 && len(query) != s.dim {
		return nil, fmt.Errorf("query has %d dims, store has %d", len(query), s.dim)
	}
	var out []models.ChunkMatch
	for _, ch := range s.chunks[docKey{collection, docID}] {
		out = append(out, models.ChunkMatch{
			ChunkID:    ch.ID,
			Index:      ch.Index,
			Text:       ch.Text,
			Similarity: Cosine(query, ch.Embedding),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountChunks(_ context.Context, collection models.CollectionType, docID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[docKey{collection, docID}]), nil
}

func (s *MemStore) Close() error { return nil }

// Cosine returns the cosine similarity of a and b, 0 for mismatched or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
