package services

import (
	"context"
	"fmt"
	"time"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

// DocumentProcessor runs one ingestion pass.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, job ingestion_engine.Job) models.IngestResult
}

// Scheduler hands a job to background workers, in process or through Redis.
type Scheduler interface {
	Enqueue(ctx context.Context, job ingestion_engine.Job) error
}

// IngestService triggers ingestion for stored documents, either inline within
// a request budget or through the scheduler.
type IngestService struct {
	db         core.DbClient
	processor  DocumentProcessor
	scheduler  Scheduler
	syncBudget time.Duration
	log        *logger.Logger
}

func NewIngestService(db core.DbClient, processor DocumentProcessor, scheduler Scheduler, syncBudget time.Duration, log *logger.Logger) *IngestService {
	return &IngestService{db: db, processor: processor, scheduler: scheduler, syncBudget: syncBudget, log: logger.OrNop(log)}
}

// ProcessNow runs the pipeline inline. A budget overrun surfaces as the
// image-based terminal state, not as an error.
func (s *IngestService) ProcessNow(ctx context.Context, collection models.CollectionType, id string) (models.IngestResult, error) {
	doc, err := s.db.GetDocument(ctx, collection, id)
	if err != nil {
		return models.IngestResult{}, err
	}
	if s.syncBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.syncBudget)
		defer cancel()
	}
	return s.processor.ProcessDocument(ctx, ingestion_engine.Job{DocumentID: doc.ID, Collection: collection, FileURL: doc.FileURL}), nil
}

// Schedule queues the document for background ingestion.
func (s *IngestService) Schedule(ctx context.Context, collection models.CollectionType, id string) error {
	if s.scheduler == nil {
		return fmt.Errorf("no ingestion scheduler configured")
	}
	doc, err := s.db.GetDocument(ctx, collection, id)
	if err != nil {
		return err
	}
	job := ingestion_engine.Job{DocumentID: doc.ID, Collection: collection, FileURL: doc.FileURL}
	if err := s.scheduler.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	s.log.Debug("ingestion scheduled", "document_id", id, "collection", collection)
	return nil
}
