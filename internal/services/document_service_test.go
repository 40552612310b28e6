package services

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/testutil"
)

func TestUpload(t *testing.T) {
	store := testutil.NewMemStore(dim)
	objects := testutil.NewMemObjects()
	svc := NewDocumentService(store, objects, nil)

	doc, err := svc.Upload(context.Background(), UploadInput{
		Collection: models.CollectionLibrary,
		Filename:   "../Class 8 Science.pdf",
		Size:       12,
		Body:       strings.NewReader("%PDF-1.7 body"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Class 8 Science", doc.Title)
	assert.Equal(t, "bn", doc.Language)
	assert.Contains(t, doc.FileURL, "books/library/"+doc.ID+"/Class_8_Science.pdf")

	key := "books/library/" + doc.ID + "/Class_8_Science.pdf"
	body, ok := objects.File(key)
	require.True(t, ok)
	assert.Equal(t, []byte("%PDF-1.7 body"), body)

	stored, err := svc.Get(context.Background(), models.CollectionLibrary, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.FileURL, stored.FileURL)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	svc := NewDocumentService(testutil.NewMemStore(dim), testutil.NewMemObjects(), nil)

	_, err := svc.Upload(context.Background(), UploadInput{Collection: models.CollectionLibrary, Filename: "a.pdf", Body: bytes.NewReader([]byte("GIF89a"))})
	assert.ErrorIs(t, err, ErrInvalidUpload)

	_, err = svc.Upload(context.Background(), UploadInput{Collection: "shelf", Filename: "a.pdf", Body: strings.NewReader("%PDF-")})
	assert.ErrorIs(t, err, ErrInvalidUpload)

	_, err = svc.Upload(context.Background(), UploadInput{Collection: models.CollectionLibrary, Filename: "a.pdf", Body: strings.NewReader("%P")})
	assert.ErrorIs(t, err, ErrInvalidUpload)
}

type recordingScheduler struct{ jobs []ingestion_engine.Job }

func (r *recordingScheduler) Enqueue(_ context.Context, job ingestion_engine.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func TestIngestService(t *testing.T) {
	store, proc := batchFixture(t)
	docs, err := store.ListDocuments(context.Background(), models.CollectionOfficial, true)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	doc := docs[0]

	sched := &recordingScheduler{}
	svc := NewIngestService(store, proc, sched, 0, nil)

	res, err := svc.ProcessNow(context.Background(), models.CollectionOfficial, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, res.DocumentID)

	require.NoError(t, svc.Schedule(context.Background(), models.CollectionOfficial, doc.ID))
	require.Len(t, sched.jobs, 1)
	assert.Equal(t, ingestion_engine.Job{DocumentID: doc.ID, Collection: models.CollectionOfficial, FileURL: doc.FileURL}, sched.jobs[0])

	_, err = svc.ProcessNow(context.Background(), models.CollectionOfficial, "missing")
	assert.Error(t, err)
	assert.Error(t, svc.Schedule(context.Background(), models.CollectionLibrary, "missing"))
}
