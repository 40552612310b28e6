package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

// Pipeline stages, reported in IngestResult.Stage.
const (
	StageFetch    = "fetching"
	StageExtract  = "direct_extracting"
	StageOCR      = "ocr_fallback"
	StageChapters = "chapter_extraction"
	StageChunk    = "chunking"
	StageEmbed    = "embedding"
	StagePersist  = "persisting"
	StageDone     = "done"
)

// Job identifies one document to ingest. FileURL may be empty, in which case
// it is read from the document row.
type Job struct {
	DocumentID string                `json:"document_id"`
	FileURL    string                `json:"file_url,omitempty"`
	Collection models.CollectionType `json:"collection"`
}

func (j Job) key() string {
	return string(j.Collection) + ":" + j.DocumentID
}

// Orchestrator drives one document through fetch, direct extraction, the
// quality gate, OCR fallback, chapter extraction, chunking, embedding and
// persistence.
type Orchestrator struct {
	db        core.DbClient
	fetcher   core.Fetcher
	extractor core.TextExtractor
	gate      QualityGate
	ocr       *VisionOCR
	chapters  *ChapterExtractor
	embedder  core.EmbeddingProvider
	cfg       IngestConfig
	locks     *docLocks
	log       *logger.Logger
	jobs      chan Job
}

type Deps struct {
	DB        core.DbClient
	Fetcher   core.Fetcher
	Extractor core.TextExtractor
	OCR       *VisionOCR
	Chapters  *ChapterExtractor
	Embedder  core.EmbeddingProvider
}

// NewOrchestrator constructs the orchestrator with a bounded job queue (64).
func NewOrchestrator(d Deps, cfg IngestConfig, log *logger.Logger) *Orchestrator {
	log = logger.OrNop(log)
	if d.OCR == nil {
		d.OCR = NewVisionOCR(nil, cfg.OCRMaxBytes, cfg.OCRRetry, log)
	}
	if d.Chapters == nil {
		d.Chapters = NewChapterExtractor(nil, cfg.SampleMaxChars, cfg.ProviderRetry, log)
	}
	return &Orchestrator{
		db:        d.DB,
		fetcher:   d.Fetcher,
		extractor: d.Extractor,
		gate:      NewQualityGate(cfg.QualityThreshold),
		ocr:       d.OCR,
		chapters:  d.Chapters,
		embedder:  d.Embedder,
		cfg:       cfg,
		locks:     newDocLocks(),
		log:       log,
		jobs:      make(chan Job, 64),
	}
}

// run carries the state of one pass.
type run struct {
	job      Job
	doc      *models.Document
	pdf      []byte
	direct   core.ExtractedText
	text     string
	method   string
	chapters []models.Chapter
	res      models.IngestResult
	log      *logger.Logger
}

// ProcessDocument ingests one document. Per-document problems never surface
// as errors: they end in a terminal IngestResult. Success=false only for hard
// failures (fetch, embed, persist); image-based, no-content and no-chapter
// outcomes are soft successes.
func (o *Orchestrator) ProcessDocument(ctx context.Context, job Job) models.IngestResult {
	started := time.Now()
	r := &run{
		job: job,
		res: models.IngestResult{DocumentID: job.DocumentID, Collection: job.Collection, Chapters: []models.Chapter{}},
		log: o.log.With("document_id", job.DocumentID, "collection", job.Collection),
	}

	ctx, span := otel.Tracer("bookrag/ingest").Start(ctx, "ingest.process_document",
		trace.WithAttributes(attribute.String("document.id", job.DocumentID), attribute.String("document.collection", string(job.Collection))))
	defer span.End()
	if sc := span.SpanContext(); sc.IsValid() {
		r.log = r.log.With("trace_id", sc.TraceID().String())
	}

	unlock, err := o.locks.Lock(ctx, job.key())
	if err != nil {
		o.fail(r, StageFetch, fmt.Errorf("wait for document lock: %w", err))
	} else {
		o.execute(ctx, r)
		unlock()
	}

	r.res.Duration = time.Since(started)
	o.recordOutcome(ctx, r)
	span.SetAttributes(
		attribute.String("ingest.outcome", string(r.res.Outcome)),
		attribute.Int("ingest.chunks", r.res.ChunkCount),
	)
	if !r.res.Success {
		span.SetStatus(codes.Error, r.res.Message)
	}
	r.log.Info("ingestion finished",
		"outcome", r.res.Outcome, "success", r.res.Success, "stage", r.res.Stage,
		"chapters", len(r.res.Chapters), "chunks", r.res.ChunkCount, "method", r.res.ExtractionMethod,
		"duration", r.res.Duration.String(), "message", r.res.Message)
	return r.res
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	if !o.fetch(ctx, r) {
		return
	}
	if !o.extract(ctx, r) {
		return
	}
	o.extractChapters(ctx, r)
	if !o.persistChapters(ctx, r) {
		return
	}
	o.persistContent(ctx, r)
	o.chunkEmbedPersist(ctx, r)
}

func (o *Orchestrator) fetch(ctx context.Context, r *run) bool {
	doc, err := o.db.GetDocument(ctx, r.job.Collection, r.job.DocumentID)
	if err != nil {
		o.fail(r, StageFetch, fmt.Errorf("load document: %w", err))
		return false
	}
	r.doc = doc
	if r.job.FileURL == "" {
		r.job.FileURL = doc.FileURL
	}
	if r.job.FileURL == "" {
		o.fail(r, StageFetch, errors.New("document has no file url"))
		return false
	}

	data, err := o.fetcher.Fetch(ctx, r.job.FileURL)
	if err != nil {
		o.fail(r, StageFetch, fmt.Errorf("fetch file: %w", err))
		return false
	}
	r.pdf = data
	return true
}

// extract runs direct extraction and, when the quality gate rejects it, the
// OCR fallback. It returns false once a terminal result has been set.
func (o *Orchestrator) extract(ctx context.Context, r *run) bool {
	direct := o.extractor.Extract(ctx, r.pdf)
	r.direct = direct
	r.res.PageCount = direct.PageCount
	r.text = SanitizeText(direct.Text())
	r.method = direct.Method

	if o.gate.Sufficient(r.text) {
		r.log.Debug("direct extraction sufficient", "chars", utf8.RuneCountInString(r.text), "pages", direct.PageCount)
		return true
	}
	r.log.Info("direct extraction insufficient", "chars", utf8.RuneCountInString(strings.TrimSpace(r.text)), "threshold", o.gate.Threshold)

	switch {
	case !o.ocr.Available():
		o.imageBased(r, "image-based document: OCR not configured", nil)
		return false
	case !o.ocr.Accepts(len(r.pdf)):
		o.imageBased(r, fmt.Sprintf("image-based document: %d bytes exceeds OCR limit", len(r.pdf)), nil)
		return false
	}

	ocr, err := o.ocr.ExtractChapters(ctx, r.pdf)
	if err != nil {
		// OCR failing only ends this stage. Whatever direct text exists may
		// still be worth indexing.
		if ctx.Err() == nil && utf8.RuneCountInString(strings.TrimSpace(r.text)) >= o.cfg.MinContentLen {
			r.res.OCRError = err.Error()
			r.log.Warn("ocr failed, continuing with direct text", "error", err)
			return true
		}
		msg := "image-based document: OCR failed"
		if ctx.Err() != nil {
			msg = "image-based document: OCR timed out"
		}
		o.imageBased(r, msg, err)
		return false
	}

	r.res.IsImageBased = true
	ocrText := SanitizeText(ocr.Text)
	if utf8.RuneCountInString(strings.TrimSpace(ocrText)) < o.cfg.MinContentLen {
		// The chapter answer carried little text; ask for the pages alone.
		full, err := o.ocr.ExtractText(ctx, r.pdf)
		if err != nil {
			r.res.OCRError = err.Error()
			r.log.Warn("text ocr failed", "error", err)
		} else if full = SanitizeText(full); utf8.RuneCountInString(strings.TrimSpace(full)) > utf8.RuneCountInString(strings.TrimSpace(ocrText)) {
			ocrText = full
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(ocrText)) > utf8.RuneCountInString(strings.TrimSpace(r.text)) {
		r.text = ocrText
		r.method = MethodOCR
	}
	r.chapters = ocr.Chapters
	r.log.Info("ocr finished", "chapters", len(ocr.Chapters), "chars", utf8.RuneCountInString(ocrText), "json", ocr.FoundJSON)
	return true
}

// extractChapters runs the model-based extraction unless OCR already found
// chapters. A model failure is logged; heading detection still applies.
func (o *Orchestrator) extractChapters(ctx context.Context, r *run) {
	if len(r.chapters) > 0 {
		return
	}
	sample := r.text
	if r.method != MethodOCR {
		sample = SanitizeText(r.direct.Prefix(o.cfg.SampleMaxPages))
	}
	chapters, err := o.chapters.Extract(ctx, sample, o.documentContext(r))
	if err != nil {
		r.log.Warn("chapter extraction failed", "error", err)
	}
	r.chapters = chapters
}

func (o *Orchestrator) documentContext(r *run) DocumentContext {
	if r.doc == nil {
		return DocumentContext{}
	}
	return DocumentContext{Title: r.doc.Title, ClassLevel: r.doc.ClassLevel, Subject: r.doc.Subject, Language: r.doc.Language}
}

// persistChapters replaces the stored chapter list when at least one chapter
// was found. An empty result leaves existing chapters alone.
func (o *Orchestrator) persistChapters(ctx context.Context, r *run) bool {
	if len(r.chapters) == 0 {
		return true
	}
	stored, err := o.db.ReplaceChapters(ctx, r.job.Collection, r.job.DocumentID, r.chapters)
	if err != nil {
		o.fail(r, StagePersist, fmt.Errorf("replace chapters: %w", err))
		return false
	}
	r.chapters = stored
	r.res.Chapters = stored
	return true
}

func (o *Orchestrator) persistContent(ctx context.Context, r *run) {
	content := strings.TrimSpace(r.text)
	if content == "" {
		return
	}
	block := models.ContentBlock{
		DocumentID: r.job.DocumentID,
		Content:    truncateRunes(content, o.cfg.ContentMaxChars),
		Method:     r.method,
	}
	if len(r.chapters) > 0 && r.chapters[0].ID != "" {
		id := r.chapters[0].ID
		block.ChapterID = &id
	}
	if err := o.db.ReplaceContent(ctx, r.job.Collection, block); err != nil {
		r.log.Warn("store content block failed", "error", err)
	}
}

func (o *Orchestrator) chunkEmbedPersist(ctx context.Context, r *run) {
	r.res.ExtractionMethod = r.method
	r.res.TextLength = utf8.RuneCountInString(strings.TrimSpace(r.text))

	if r.res.TextLength < o.cfg.MinContentLen {
		o.soft(r, models.OutcomeNoContent, StageChunk,
			fmt.Sprintf("extracted text too short to index (%d chars)", r.res.TextLength))
		return
	}

	pieces := Chunk(r.text, o.cfg.Chunk)
	if len(pieces) == 0 {
		o.soft(r, models.OutcomeNoContent, StageChunk, "no chunk survived the minimum length filter")
		return
	}

	chunks, err := EmbedChunks(ctx, o.embedder, pieces, o.cfg.EmbedBatchSize, o.cfg.EmbedBatchPause, o.cfg.ProviderRetry)
	if err != nil {
		o.fail(r, StageEmbed, err)
		return
	}

	if err := o.db.ReplaceChunks(ctx, r.job.Collection, r.job.DocumentID, chunks, o.cfg.StoreBatchSize); err != nil {
		o.fail(r, StagePersist, fmt.Errorf("replace chunks: %w", err))
		return
	}
	r.res.ChunkCount = len(chunks)

	if len(r.chapters) == 0 {
		o.soft(r, models.OutcomeNoChapters, StageDone, fmt.Sprintf("embedded %d chunks; no chapters found", len(chunks)))
		return
	}
	r.res.Success = true
	r.res.Outcome = models.OutcomeEmbedded
	r.res.Stage = StageDone
	r.res.Message = fmt.Sprintf("extracted %d chapters and embedded %d chunks", len(r.chapters), len(chunks))
}

func (o *Orchestrator) fail(r *run, stage string, err error) {
	r.res.Success = false
	r.res.Outcome = models.OutcomeFailed
	r.res.Stage = stage
	r.res.Message = err.Error()
	r.log.Error("ingestion stage failed", "stage", stage, "error", err)
}

func (o *Orchestrator) soft(r *run, outcome models.IngestOutcome, stage, msg string) {
	r.res.Success = true
	r.res.Outcome = outcome
	r.res.Stage = stage
	r.res.Message = msg
}

func (o *Orchestrator) imageBased(r *run, msg string, ocrErr error) {
	r.res.IsImageBased = true
	r.res.TextLength = utf8.RuneCountInString(strings.TrimSpace(r.text))
	r.res.ExtractionMethod = r.method
	if ocrErr != nil {
		r.res.OCRError = ocrErr.Error()
	}
	o.soft(r, models.OutcomeImageBased, StageOCR, msg)
}

// recordOutcome stores the terminal state even when ctx has expired.
func (o *Orchestrator) recordOutcome(ctx context.Context, r *run) {
	if r.res.Outcome == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.db.MarkOutcome(ctx, r.job.Collection, r.job.DocumentID, r.res.Outcome, r.res.IsImageBased); err != nil {
		r.log.Warn("record outcome failed", "error", err)
	}
}

// Start runs numWorkers goroutines reading from the in-process job queue.
func (o *Orchestrator) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					o.log.Debug("ingest worker shutting down", "worker", w)
					return
				case job := <-o.jobs:
					jobCtx, cancel := ctx, context.CancelFunc(func() {})
					if o.cfg.JobTimeout > 0 {
						jobCtx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
					}
					o.ProcessDocument(jobCtx, job)
					cancel()
				}
			}
		}(w)
	}
}

// Enqueue schedules a document for background ingestion. It blocks while the
// queue is full, until ctx is done.
func (o *Orchestrator) Enqueue(ctx context.Context, job Job) error {
	select {
	case o.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
