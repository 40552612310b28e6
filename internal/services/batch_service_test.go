package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/testutil"
)

// scriptedProcessor returns a fixed outcome per document title.
type scriptedProcessor struct {
	store    *testutil.MemStore
	outcomes map[string]models.IngestResult

	// hold keeps each document busy this long.
	hold time.Duration

	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (p *scriptedProcessor) ProcessDocument(ctx context.Context, job ingestion_engine.Job) models.IngestResult {
	p.mu.Lock()
	p.starts = append(p.starts, time.Now())
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.ends = append(p.ends, time.Now())
		p.mu.Unlock()
	}()
	if p.hold > 0 {
		time.Sleep(p.hold)
	}

	doc, err := p.store.GetDocument(ctx, job.Collection, job.DocumentID)
	if err != nil {
		return models.IngestResult{DocumentID: job.DocumentID, Outcome: models.OutcomeFailed, Message: err.Error()}
	}
	res := p.outcomes[doc.Title]
	res.DocumentID = job.DocumentID
	res.Collection = job.Collection
	return res
}

func batchFixture(t *testing.T) (*testutil.MemStore, *scriptedProcessor) {
	t.Helper()
	store := testutil.NewMemStore(dim)
	proc := &scriptedProcessor{store: store, outcomes: map[string]models.IngestResult{
		"embedded":    {Success: true, Outcome: models.OutcomeEmbedded},
		"no chapters": {Success: true, Outcome: models.OutcomeNoChapters},
		"empty":       {Success: true, Outcome: models.OutcomeNoContent},
		"scanned":     {Success: true, Outcome: models.OutcomeImageBased, IsImageBased: true},
		"broken":      {Success: false, Outcome: models.OutcomeFailed},
	}}
	store.AddDocument(models.Document{Collection: models.CollectionOfficial, Title: "embedded"})
	store.AddDocument(models.Document{Collection: models.CollectionOfficial, Title: "scanned"})
	store.AddDocument(models.Document{Collection: models.CollectionLibrary, Title: "no chapters"})
	store.AddDocument(models.Document{Collection: models.CollectionLibrary, Title: "empty"})
	store.AddDocument(models.Document{Collection: models.CollectionLibrary, Title: "broken"})

	done := store.AddDocument(models.Document{Collection: models.CollectionLibrary, Title: "embedded"})
	require.NoError(t, store.ReplaceChunks(context.Background(), done.Collection, done.ID,
		[]models.Chunk{{Index: 0, Text: "x", Embedding: make([]float32, dim)}}, 50))
	return store, proc
}

func TestBatchTally(t *testing.T) {
	store, proc := batchFixture(t)
	var seen []models.IngestResult
	svc := NewBatchService(store, proc, BatchOptions{OnResult: func(r models.IngestResult) { seen = append(seen, r) }}, nil)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 1, report.Embedded)
	assert.Equal(t, 1, report.NoChapters)
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 1, report.NoContent)
	assert.Equal(t, 1, report.ImageBased)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Interrupted)
	assert.Len(t, seen, 5)
	assert.Equal(t, "5 documents: 2 success, 1 no content, 1 image-based, 1 failed", report.String())
}

func TestBatchSpacesDocuments(t *testing.T) {
	store, proc := batchFixture(t)
	svc := NewBatchService(store, proc, BatchOptions{Delay: 30 * time.Millisecond, Concurrency: 3, Limit: 3}, nil)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Total)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.starts, 3)
	assert.GreaterOrEqual(t, proc.starts[2].Sub(proc.starts[0]), 50*time.Millisecond)
}

func TestBatchPausesAfterLongDocument(t *testing.T) {
	store, proc := batchFixture(t)
	proc.hold = 60 * time.Millisecond
	const delay = 40 * time.Millisecond
	svc := NewBatchService(store, proc, BatchOptions{Delay: delay, Concurrency: 1, Limit: 3}, nil)

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Total)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.starts, 3)
	require.Len(t, proc.ends, 3)
	for i := 1; i < 3; i++ {
		assert.GreaterOrEqual(t, proc.starts[i].Sub(proc.ends[i-1]), delay)
	}
}

func TestBatchStopsOnCancel(t *testing.T) {
	store, proc := batchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewBatchService(store, proc, BatchOptions{
		Delay:    time.Hour,
		OnResult: func(models.IngestResult) { cancel() },
	}, nil)

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.True(t, report.Interrupted)
}

func TestBatchPendingSkipsEmbedded(t *testing.T) {
	store, proc := batchFixture(t)
	svc := NewBatchService(store, proc, BatchOptions{Collections: []models.CollectionType{models.CollectionLibrary}}, nil)

	docs, err := svc.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	for _, d := range docs {
		assert.Equal(t, models.CollectionLibrary, d.Collection)
		assert.False(t, d.ChunksGenerated)
	}
}
