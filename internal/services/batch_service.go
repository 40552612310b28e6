package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

// BatchOptions
//
// Delay:       minimum spacing between document starts, shared by all workers,
//              and the pause a worker takes after each document before the next.
// Concurrency: documents processed at once.
// DocTimeout:  budget for one document.
// Limit:       stop after this many documents; 0 means all.
// OnResult:    called after each document, serialised.
type BatchOptions struct {
	Collections []models.CollectionType
	Delay       time.Duration
	Concurrency int
	DocTimeout  time.Duration
	Limit       int
	OnResult    func(models.IngestResult)
}

// BatchReport tallies one run. Embedded and NoChapters both count as success.
type BatchReport struct {
	Total       int                   `json:"total"`
	Embedded    int                   `json:"embedded"`
	NoChapters  int                   `json:"no_chapters"`
	NoContent   int                   `json:"no_content"`
	ImageBased  int                   `json:"image_based"`
	Failed      int                   `json:"failed"`
	Interrupted bool                  `json:"interrupted"`
	Duration    time.Duration         `json:"duration"`
	Results     []models.IngestResult `json:"results"`
}

func (r *BatchReport) add(res models.IngestResult) {
	r.Total++
	r.Results = append(r.Results, res)
	switch {
	case !res.Success:
		r.Failed++
	case res.Outcome == models.OutcomeEmbedded:
		r.Embedded++
	case res.Outcome == models.OutcomeNoChapters:
		r.NoChapters++
	case res.Outcome == models.OutcomeNoContent:
		r.NoContent++
	case res.Outcome == models.OutcomeImageBased:
		r.ImageBased++
	default:
		r.Failed++
	}
}

func (r BatchReport) Succeeded() int {
	return r.Embedded + r.NoChapters
}

func (r BatchReport) String() string {
	return fmt.Sprintf("%d documents: %d success, %d no content, %d image-based, %d failed",
		r.Total, r.Succeeded(), r.NoContent, r.ImageBased, r.Failed)
}

// BatchService ingests every document that has no embeddings yet.
type BatchService struct {
	db        core.DbClient
	processor DocumentProcessor
	opts      BatchOptions
	log       *logger.Logger
}

func NewBatchService(db core.DbClient, processor DocumentProcessor, opts BatchOptions, log *logger.Logger) *BatchService {
	if len(opts.Collections) == 0 {
		opts.Collections = []models.CollectionType{models.CollectionOfficial, models.CollectionLibrary}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &BatchService{db: db, processor: processor, opts: opts, log: logger.OrNop(log)}
}

// Pending lists the documents the next run would process.
func (s *BatchService) Pending(ctx context.Context) ([]models.Document, error) {
	var docs []models.Document
	for _, c := range s.opts.Collections {
		list, err := s.db.ListDocuments(ctx, c, true)
		if err != nil {
			return nil, fmt.Errorf("list %s documents: %w", c, err)
		}
		for i := range list {
			list[i].Collection = c
		}
		docs = append(docs, list...)
	}
	if s.opts.Limit > 0 && len(docs) > s.opts.Limit {
		docs = docs[:s.opts.Limit]
	}
	return docs, nil
}

// Run processes every pending document. Per-document failures are tallied,
// never returned; the error is for listing failures only. Cancelling ctx
// stops new documents from starting and marks the report interrupted.
func (s *BatchService) Run(ctx context.Context) (BatchReport, error) {
	started := time.Now()
	docs, err := s.Pending(ctx)
	if err != nil {
		return BatchReport{}, err
	}
	s.log.Info("batch started", "documents", len(docs), "concurrency", s.opts.Concurrency, "delay", s.opts.Delay.String())

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.opts.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.opts.Delay), 1)
	}

	var (
		mu     sync.Mutex
		report = BatchReport{Results: []models.IngestResult{}}
		g      errgroup.Group
		queue  = make(chan models.Document)
	)
	workers := min(s.opts.Concurrency, len(docs))
	for range workers {
		g.Go(func() error {
			for doc := range queue {
				if limiter.Wait(ctx) != nil {
					return nil
				}
				res := s.processOne(ctx, doc)
				mu.Lock()
				report.add(res)
				if s.opts.OnResult != nil {
					s.opts.OnResult(res)
				}
				mu.Unlock()
				if !pause(ctx, s.opts.Delay) {
					return nil
				}
			}
			return nil
		})
	}

feed:
	for _, doc := range docs {
		select {
		case queue <- doc:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	_ = g.Wait()

	report.Interrupted = ctx.Err() != nil
	report.Duration = time.Since(started)
	s.log.Info("batch finished", "summary", report.String(), "interrupted", report.Interrupted, "duration", report.Duration.String())
	return report, nil
}

// pause waits d, or less if ctx ends first. It reports whether ctx is still live.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *BatchService) processOne(ctx context.Context, doc models.Document) models.IngestResult {
	if s.opts.DocTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DocTimeout)
		defer cancel()
	}
	return s.processor.ProcessDocument(ctx, ingestion_engine.Job{
		DocumentID: doc.ID,
		Collection: doc.Collection,
		FileURL:    doc.FileURL,
	})
}
