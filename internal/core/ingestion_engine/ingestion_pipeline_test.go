package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koushole/bookrag/internal/core/llm"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/testutil"
)

const testDim = 16

type harness struct {
	store    *testutil.MemStore
	fetcher  *testutil.FakeFetcher
	embedder *testutil.HashEmbedder
	vision   *testutil.FakeVision
	cfg      IngestConfig
	pages    []string
}

func newHarness(pages ...string) *harness {
	cfg := DefaultIngestConfig()
	cfg.OCRRetry.Delay = 0
	cfg.ProviderRetry.Delay = 0
	return &harness{
		store:    testutil.NewMemStore(testDim),
		fetcher:  &testutil.FakeFetcher{Files: map[string][]byte{}},
		embedder: testutil.NewHashEmbedder(testDim),
		cfg:      cfg,
		pages:    pages,
	}
}

func (h *harness) orchestrator() *Orchestrator {
	var vision *VisionOCR
	if h.vision != nil {
		vision = NewVisionOCR(h.vision, h.cfg.OCRMaxBytes, h.cfg.OCRRetry, nil)
	}
	return NewOrchestrator(Deps{
		DB:        h.store,
		Fetcher:   h.fetcher,
		Extractor: &testutil.FakeExtractor{Pages: h.pages},
		OCR:       vision,
		Embedder:  h.embedder,
	}, h.cfg, nil)
}

// addDocument stores a document whose file is body.
func (h *harness) addDocument(collection models.CollectionType, body []byte) models.Document {
	id := uuid.NewString()
	url := "https://files.example.com/" + id + ".pdf"
	h.fetcher.Files[url] = body
	return h.store.AddDocument(models.Document{ID: id, Collection: collection, Title: "Test book", FileURL: url, Language: "en"})
}

func jobFor(doc models.Document) Job {
	return Job{DocumentID: doc.ID, Collection: doc.Collection}
}

func englishPage(n int, heading string) string {
	var b strings.Builder
	if heading != "" {
		b.WriteString(heading + "\n")
	}
	for i := 0; i < 7; i++ {
		fmt.Fprintf(&b, "Page %d explains how plants and animals depend on each other. ", n)
	}
	return b.String()
}

func englishBook(pages int) []string {
	out := make([]string, pages)
	for i := range out {
		switch i {
		case 0:
			out[i] = englishPage(i+1, "Chapter 1: Living Things")
		case 2:
			out[i] = englishPage(i+1, "Chapter 2: Ecosystems")
		default:
			out[i] = englishPage(i+1, "")
		}
	}
	return out
}

func assertContiguous(t *testing.T, chunks []models.Chunk) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Len(t, c.Embedding, testDim)
	}
}

func TestProcessDocumentCleanEnglish(t *testing.T) {
	h := newHarness(englishBook(5)...)
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-clean"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.OutcomeEmbedded, res.Outcome)
	assert.False(t, res.IsImageBased)
	require.Len(t, res.Chapters, 2)
	assert.Equal(t, 1, res.Chapters[0].Number)
	assert.Equal(t, "Living Things", res.Chapters[0].TitleEN)
	assert.Equal(t, 2, res.Chapters[1].Number)
	assert.Equal(t, 5, res.PageCount)
	assert.Equal(t, "direct", res.ExtractionMethod)

	chunks := h.store.Chunks(doc.Collection, doc.ID)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(chunks), res.ChunkCount)
	assertContiguous(t, chunks)

	stored, err := h.store.GetDocument(context.Background(), doc.Collection, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.ChunksGenerated)
	assert.Equal(t, len(chunks), stored.TotalChunks)
	assert.Equal(t, string(models.OutcomeEmbedded), stored.LastOutcome)

	content, err := h.store.GetContent(context.Background(), doc.Collection, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, content.ChapterID)
	assert.Equal(t, res.Chapters[0].ID, *content.ChapterID)
	assert.Contains(t, content.Content, "Living Things")
}

func TestProcessDocumentScannedBangla(t *testing.T) {
	h := newHarness("ক খ", "")
	body, err := json.Marshal(map[string]any{
		"chapters": []map[string]any{
			{"chapter_number": "১", "title_bn": "জীবন ও পরিবেশ", "page_start": 1},
			{"chapter_number": "২", "title_bn": "উদ্ভিদের গঠন", "page_start": 14},
		},
		"text": strings.Repeat("সবুজ উদ্ভিদ সূর্যের আলো থেকে খাদ্য তৈরি করে। ", 20),
	})
	require.NoError(t, err)
	h.vision = &testutil.FakeVision{Response: string(body)}
	doc := h.addDocument(models.CollectionLibrary, []byte("%PDF-scanned"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.OutcomeEmbedded, res.Outcome)
	assert.True(t, res.IsImageBased)
	assert.Equal(t, MethodOCR, res.ExtractionMethod)
	assert.Equal(t, 1, h.vision.Calls())
	require.NotEmpty(t, res.Chapters)
	assert.NotEmpty(t, res.Chapters[0].TitleBN)
	assert.True(t, containsBengali(res.Chapters[0].TitleBN))

	assertContiguous(t, h.store.Chunks(doc.Collection, doc.ID))
	assert.Equal(t, []testutil.Outcome{{DocumentID: doc.ID, Outcome: models.OutcomeEmbedded, ImageBased: true}}, h.store.Outcomes())
}

func TestProcessDocumentOversizedScan(t *testing.T) {
	h := newHarness("garbled")
	h.cfg.OCRMaxBytes = 10
	h.vision = &testutil.FakeVision{Response: `{"chapters":[]}`}
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-this-file-is-larger-than-the-cap"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeImageBased, res.Outcome)
	assert.True(t, res.IsImageBased)
	assert.NotNil(t, res.Chapters)
	assert.Empty(t, res.Chapters)
	assert.Zero(t, h.vision.Calls())
	assert.Zero(t, h.store.ReplaceChunksCalls)
}

func TestProcessDocumentNoOCRConfigured(t *testing.T) {
	h := newHarness("garbled")
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-scan"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeImageBased, res.Outcome)
	assert.Empty(t, res.Chapters)
}

func TestProcessDocumentOCRRateLimited(t *testing.T) {
	h := newHarness("garbled")
	h.cfg.OCRRetry.MaxAttempts = 2
	h.vision = &testutil.FakeVision{Err: &llm.ProviderError{Provider: "gemini", StatusCode: 429}}
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-scan"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeImageBased, res.Outcome)
	assert.NotEmpty(t, res.OCRError)
	assert.Equal(t, 2, h.vision.Calls())
}

func TestProcessDocumentOCRTimeout(t *testing.T) {
	h := newHarness("garbled")
	h.vision = &testutil.FakeVision{Block: true}
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-scan"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.orchestrator().ProcessDocument(ctx, jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeImageBased, res.Outcome)
	assert.Contains(t, res.Message, "timed out")

	stored, err := h.store.GetDocument(context.Background(), doc.Collection, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.OutcomeImageBased), stored.LastOutcome)
}

func TestProcessDocumentOCRFoundChaptersButNoText(t *testing.T) {
	h := newHarness("garbled")
	h.vision = &testutil.FakeVision{
		Response: `{"chapters":[{"chapter_number":1,"title_bn":"ভূমিকা"}],"text":"ভূমিকা"}`,
		ByPrompt: map[string]string{
			ocrTextPrompt: strings.Repeat("নদীমাতৃক বাংলাদেশের মানুষ কৃষির উপর নির্ভরশীল। ", 20),
		},
	}
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-scan"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.OutcomeEmbedded, res.Outcome)
	assert.Equal(t, MethodOCR, res.ExtractionMethod)
	assert.Equal(t, 2, h.vision.Calls())
	assert.Len(t, res.Chapters, 1)
	assert.Len(t, h.store.Chapters(doc.Collection, doc.ID), 1)
	assert.Positive(t, res.ChunkCount)
	assertContiguous(t, h.store.Chunks(doc.Collection, doc.ID))
}

func TestProcessDocumentOCRTextPassFails(t *testing.T) {
	h := newHarness("garbled")
	h.vision = &testutil.FakeVision{
		Response:    `{"chapters":[{"chapter_number":1,"title_bn":"ভূমিকা"}],"text":"ভূমিকা"}`,
		ErrByPrompt: map[string]error{ocrTextPrompt: errors.New("quota exhausted")},
	}
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF-scan"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeNoContent, res.Outcome)
	assert.Contains(t, res.OCRError, "quota exhausted")
	assert.Len(t, res.Chapters, 1)
	assert.Zero(t, h.store.ReplaceChunksCalls)
}

func TestProcessDocumentTruncatedOCRAnswer(t *testing.T) {
	h := newHarness("ক খ")
	text := strings.Repeat("সবুজ উদ্ভিদ সূর্যের আলো থেকে খাদ্য তৈরি করে। ", 20)
	// The answer stops mid-text, before the object closes.
	h.vision = &testutil.FakeVision{Response: `{"chapters":[` +
		`{"chapter_number":"১","title_bn":"জীবন ও পরিবেশ","page_start":1},` +
		`{"chapter_number":"২","title_bn":"উদ্ভিদের গঠন","page_start":14}],` +
		`"text":"` + text}
	doc := h.addDocument(models.CollectionLibrary, []byte("%PDF-scanned"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, models.OutcomeEmbedded, res.Outcome)
	assert.Equal(t, MethodOCR, res.ExtractionMethod)
	assert.Equal(t, 1, h.vision.Calls())
	require.Len(t, res.Chapters, 2)
	assert.True(t, containsBengali(res.Chapters[1].TitleBN))
	assert.Positive(t, res.ChunkCount)
}

func TestProcessDocumentWithoutChapters(t *testing.T) {
	pages := []string{englishPage(1, ""), englishPage(2, "")}
	h := newHarness(pages...)
	doc := h.addDocument(models.CollectionLibrary, []byte("%PDF"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.True(t, res.Success)
	assert.Equal(t, models.OutcomeNoChapters, res.Outcome)
	assert.Empty(t, res.Chapters)
	assert.Positive(t, res.ChunkCount)
}

func TestProcessDocumentIsIdempotent(t *testing.T) {
	h := newHarness(englishBook(12)...)
	h.cfg.StoreBatchSize = 1
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF"))
	o := h.orchestrator()

	first := o.ProcessDocument(context.Background(), jobFor(doc))
	require.True(t, first.Success, first.Message)
	require.Greater(t, first.ChunkCount, 1)
	firstChunks := h.store.Chunks(doc.Collection, doc.ID)

	second := o.ProcessDocument(context.Background(), jobFor(doc))
	require.True(t, second.Success, second.Message)
	secondChunks := h.store.Chunks(doc.Collection, doc.ID)

	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	require.Len(t, secondChunks, len(firstChunks))
	assertContiguous(t, secondChunks)
	assert.Len(t, h.store.Chapters(doc.Collection, doc.ID), 2)
}

func TestProcessDocumentFailedBatchKeepsPreviousSet(t *testing.T) {
	h := newHarness(englishBook(12)...)
	h.cfg.StoreBatchSize = 1
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF"))
	o := h.orchestrator()

	first := o.ProcessDocument(context.Background(), jobFor(doc))
	require.True(t, first.Success)

	h.store.FailChunkBatch = 2
	res := o.ProcessDocument(context.Background(), jobFor(doc))

	assert.False(t, res.Success)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, StagePersist, res.Stage)
	assert.Len(t, h.store.Chunks(doc.Collection, doc.ID), first.ChunkCount)

	stored, err := h.store.GetDocument(context.Background(), doc.Collection, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.OutcomeFailed), stored.LastOutcome)

	pending, err := h.store.ListDocuments(context.Background(), doc.Collection, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, doc.ID, pending[0].ID)
}

func TestProcessDocumentFailedBatchNeverMarksEmbedded(t *testing.T) {
	h := newHarness(englishBook(12)...)
	h.cfg.StoreBatchSize = 1
	h.store.FailChunkBatch = 2
	doc := h.addDocument(models.CollectionLibrary, []byte("%PDF"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.False(t, res.Success)
	stored, err := h.store.GetDocument(context.Background(), doc.Collection, doc.ID)
	require.NoError(t, err)
	assert.False(t, stored.ChunksGenerated)
	assert.Zero(t, stored.TotalChunks)
	assert.Empty(t, h.store.Chunks(doc.Collection, doc.ID))
}

func TestProcessDocumentEmbedFailure(t *testing.T) {
	h := newHarness(englishBook(5)...)
	h.cfg.ProviderRetry.MaxAttempts = 1
	h.embedder.FailOnCall = 1
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF"))

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))

	assert.False(t, res.Success)
	assert.Equal(t, StageEmbed, res.Stage)
	assert.Zero(t, h.store.ReplaceChunksCalls)
}

func TestProcessDocumentFetchFailure(t *testing.T) {
	h := newHarness(englishBook(5)...)
	doc := h.addDocument(models.CollectionOfficial, []byte("%PDF"))
	h.fetcher.Err = errors.New("connection reset")

	res := h.orchestrator().ProcessDocument(context.Background(), jobFor(doc))
	assert.False(t, res.Success)
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.Equal(t, StageFetch, res.Stage)
	assert.Contains(t, res.Message, "connection reset")
}

func TestProcessDocumentUnknownDocument(t *testing.T) {
	h := newHarness(englishBook(5)...)
	res := h.orchestrator().ProcessDocument(context.Background(), Job{DocumentID: "missing", Collection: models.CollectionLibrary})
	assert.False(t, res.Success)
	assert.Equal(t, StageFetch, res.Stage)
	assert.Empty(t, h.store.Outcomes())
}

func TestWorkersProcessQueuedJobs(t *testing.T) {
	h := newHarness(englishBook(5)...)
	a := h.addDocument(models.CollectionOfficial, []byte("%PDF"))
	b := h.addDocument(models.CollectionLibrary, []byte("%PDF"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := h.orchestrator()
	o.Start(ctx, 2)

	require.NoError(t, o.Enqueue(ctx, jobFor(a)))
	require.NoError(t, o.Enqueue(ctx, jobFor(b)))

	require.Eventually(t, func() bool { return len(h.store.Outcomes()) == 2 }, 5*time.Second, 10*time.Millisecond)
	for _, d := range []models.Document{a, b} {
		stored, err := h.store.GetDocument(context.Background(), d.Collection, d.ID)
		require.NoError(t, err)
		assert.True(t, stored.ChunksGenerated)
	}
}
