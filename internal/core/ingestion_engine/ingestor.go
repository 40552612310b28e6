package ingestion_engine

import (
	"context"

	"github.com/koushole/bookrag/internal/models"
)

var _ Ingestor = (*Orchestrator)(nil)

type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, job Job) error
	ProcessDocument(ctx context.Context, job Job) models.IngestResult
}
