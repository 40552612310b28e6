package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

var ErrInvalidUpload = errors.New("invalid upload")

// UploadInput describes one uploaded PDF.
type UploadInput struct {
	Collection  models.CollectionType
	Filename    string
	ContentType string
	Title       string
	Language    string
	ClassLevel  string
	Subject     string
	Size        int64
	Body        io.Reader
}

type DocumentService struct {
	db      core.DbClient
	storage core.ObjectClient
	log     *logger.Logger
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, log *logger.Logger) *DocumentService {
	return &DocumentService{db: db, storage: storage, log: logger.OrNop(log)}
}

// Upload stores the file and creates the document row. The object is removed
// again when the row cannot be written.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	if s.storage == nil {
		return nil, errors.New("object storage is not configured")
	}
	if _, err := models.ParseCollection(string(in.Collection)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if in.Body == nil {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}
	body, err := sniffPDF(in.Body)
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	key := s.objectKey(in.Collection, docID, in.Filename)
	url, err := s.storage.UploadFile(ctx, key, body, "application/pdf")
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(in.Filename), filepath.Ext(in.Filename))
	}
	language := in.Language
	if language == "" {
		language = "bn"
	}
	doc := &models.Document{
		ID:         docID,
		Collection: in.Collection,
		Title:      title,
		FileURL:    url,
		FileSize:   in.Size,
		Language:   language,
		ClassLevel: in.ClassLevel,
		Subject:    in.Subject,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if delErr := s.storage.DeleteFile(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Warn("orphaned upload", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("store document: %w", err)
	}
	s.log.Info("document uploaded", "document_id", docID, "collection", in.Collection, "bytes", in.Size)
	return doc, nil
}

func (s *DocumentService) Get(ctx context.Context, collection models.CollectionType, id string) (*models.Document, error) {
	return s.db.GetDocument(ctx, collection, id)
}

func (s *DocumentService) List(ctx context.Context, collection models.CollectionType, pendingOnly bool) ([]models.Document, error) {
	return s.db.ListDocuments(ctx, collection, pendingOnly)
}

// Content returns the stored text of a document, used as a quiz context
// when retrieval finds nothing.
func (s *DocumentService) Content(ctx context.Context, collection models.CollectionType, id string) (*models.ContentBlock, error) {
	return s.db.GetContent(ctx, collection, id)
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(collection models.CollectionType, docID, filename string) string {
	filename = filepath.Base(strings.TrimSpace(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	if filename == "" || filename == "." || filename == "/" {
		filename = "book.pdf"
	}
	return path.Join("books", string(collection), docID, filename)
}

// sniffPDF checks the magic bytes without consuming them.
func sniffPDF(r io.Reader) (io.Reader, error) {
	head := make([]byte, 5)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < 5 || string(head) != "%PDF-" {
		return nil, fmt.Errorf("%w: not a PDF file", ErrInvalidUpload)
	}
	return io.MultiReader(bytes.NewReader(head), r), nil
}
