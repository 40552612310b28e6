package ingestion_engine

import (
	"time"

	"github.com/koushole/bookrag/internal/config"
	"github.com/koushole/bookrag/internal/core/llm"
)

// IngestConfig tunes the pipeline.
//
// QualityThreshold: trimmed characters below which direct extraction is rejected.
// MinContentLen:    trimmed characters below which a document is not chunked.
// ContentMaxChars:  cap of the stored content block.
// SampleMaxPages/Chars: the slice of text sent for chapter extraction.
// EmbedBatchSize/StoreBatchSize: request and insert batch sizes.
type IngestConfig struct {
	Chunk            ChunkOptions
	QualityThreshold int
	MinContentLen    int
	ContentMaxChars  int
	SampleMaxPages   int
	SampleMaxChars   int
	EmbedBatchSize   int
	EmbedBatchPause  time.Duration
	StoreBatchSize   int
	OCRMaxBytes      int64
	OCRRetry         RetryPolicy
	ProviderRetry    RetryPolicy
	JobTimeout       time.Duration
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Chunk:            ChunkOptions{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap, MinLen: DefaultMinChunkLen},
		QualityThreshold: DefaultQualityThreshold,
		MinContentLen:    200,
		ContentMaxChars:  100000,
		SampleMaxPages:   10,
		SampleMaxChars:   DefaultSampleChars,
		EmbedBatchSize:   DefaultEmbedBatchSize,
		StoreBatchSize:   50,
		OCRMaxBytes:      DefaultOCRMaxBytes,
		OCRRetry:         RetryPolicy{MaxAttempts: 3, Delay: 30 * time.Second, Retryable: llm.IsRateLimited},
		ProviderRetry:    RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second, Retryable: llm.IsTransient},
		JobTimeout:       30 * time.Minute,
	}
}

// IngestConfigFrom maps environment settings onto the pipeline config.
func IngestConfigFrom(s config.IngestSettings) IngestConfig {
	c := DefaultIngestConfig()
	c.Chunk = ChunkOptions{Size: s.ChunkSize, Overlap: s.ChunkOverlap, MinLen: s.MinChunkLen}
	c.QualityThreshold = s.QualityThreshold
	c.MinContentLen = s.MinContentLen
	c.ContentMaxChars = s.ContentMaxChars
	c.SampleMaxPages = s.SampleMaxPages
	c.SampleMaxChars = s.SampleMaxChars
	c.EmbedBatchSize = s.EmbedBatchSize
	c.EmbedBatchPause = s.EmbedBatchPause
	c.StoreBatchSize = s.StoreBatchSize
	c.OCRMaxBytes = s.OCRMaxBytes
	c.OCRRetry.MaxAttempts = s.OCRMaxAttempts
	c.OCRRetry.Delay = s.OCRRetryDelay
	c.JobTimeout = s.BatchBudget
	return c
}
