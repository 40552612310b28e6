package core

import (
	"context"
	"errors"
	"io"

	"github.com/koushole/bookrag/internal/models"
)

var ErrNotFound = errors.New("not found")

// DbClient defines all persistence operations the pipeline and services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, collection models.CollectionType, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, collection models.CollectionType, pendingOnly bool) ([]models.Document, error)
	MarkOutcome(ctx context.Context, collection models.CollectionType, id string, outcome models.IngestOutcome, imageBased bool) error

	// ReplaceChapters deletes then inserts the chapter list and returns the
	// stored rows with ids.
	ReplaceChapters(ctx context.Context, collection models.CollectionType, docID string, chapters []models.Chapter) ([]models.Chapter, error)
	ReplaceContent(ctx context.Context, collection models.CollectionType, block models.ContentBlock) error
	GetContent(ctx context.Context, collection models.CollectionType, docID string) (*models.ContentBlock, error)

	// ReplaceChunks deletes every chunk of the document and inserts the new set
	// in batches. The document's chunks_generated/total_chunks are set only once
	// every batch succeeded; readers never see a partial set.
	ReplaceChunks(ctx context.Context, collection models.CollectionType, docID string, chunks []models.Chunk, batchSize int) error
	SearchChunks(ctx context.Context, collection models.CollectionType, docID string, query []float32, limit int) ([]models.ChunkMatch, error)
	CountChunks(ctx context.Context, collection models.CollectionType, docID string) (int, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}

// Fetcher resolves a document's file URL into bytes.
type Fetcher interface {
	Fetch(ctx context.Context, fileURL string) ([]byte, error)
}
