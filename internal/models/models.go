package models

import (
	"fmt"
	"time"
)

// CollectionType selects which metadata table a document lives in and which
// foreign key its chapters, content and chunks use.
type CollectionType string

const (
	CollectionOfficial CollectionType = "official"
	CollectionLibrary  CollectionType = "library"
)

// ParseCollection validates a collection name from a request or task payload.
func ParseCollection(s string) (CollectionType, error) {
	switch CollectionType(s) {
	case CollectionOfficial, CollectionLibrary:
		return CollectionType(s), nil
	}
	return "", fmt.Errorf("unknown collection type %q", s)
}

// Table is the metadata table for the collection.
func (c CollectionType) Table() string {
	if c == CollectionLibrary {
		return "library_books"
	}
	return "official_resources"
}

// ForeignKey is the owning-document column on chapter, content and chunk rows.
func (c CollectionType) ForeignKey() string {
	if c == CollectionLibrary {
		return "library_book_id"
	}
	return "resource_id"
}

// Document is an official curriculum resource or a user-uploaded library book.
type Document struct {
	ID              string         `db:"id" json:"id"`
	Collection      CollectionType `db:"-" json:"collection"`
	Title           string         `db:"title" json:"title"`
	FileURL         string         `db:"file_url" json:"file_url"`
	FileSize        int64          `db:"file_size" json:"file_size"`
	Language        string         `db:"language" json:"language"`
	ClassLevel      string         `db:"class_level" json:"class_level,omitempty"`
	Subject         string         `db:"subject" json:"subject,omitempty"`
	ChunksGenerated bool           `db:"chunks_generated" json:"chunks_generated"`
	TotalChunks     int            `db:"total_chunks" json:"total_chunks"`
	IsImageBased    bool           `db:"is_image_based" json:"is_image_based"`
	LastOutcome     string         `db:"last_outcome" json:"last_outcome,omitempty"`
	EmbeddedAt      *time.Time     `db:"embedded_at" json:"embedded_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Chapter is one table-of-contents entry of a document.
type Chapter struct {
	ID         string `db:"id" json:"id,omitempty"`
	DocumentID string `db:"-" json:"document_id,omitempty"`
	Number     int    `db:"chapter_number" json:"chapter_number"`
	TitleEN    string `db:"title_en" json:"title_en"`
	TitleBN    string `db:"title_bn" json:"title_bn"`
	StartPage  *int   `db:"page_start" json:"page_start,omitempty"`
	EndPage    *int   `db:"page_end" json:"page_end,omitempty"`
}

// ContentBlock holds the extracted raw text of a document.
type ContentBlock struct {
	DocumentID string    `db:"-" json:"document_id"`
	ChapterID  *string   `db:"chapter_id" json:"chapter_id,omitempty"`
	Content    string    `db:"content" json:"content"`
	Method     string    `db:"extraction_method" json:"extraction_method"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Chunk is a bounded text span plus its embedding vector.
type Chunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"-" json:"document_id"`
	Index      int       `db:"chunk_index" json:"chunk_index"`
	Text       string    `db:"chunk_text" json:"chunk_text"`
	Embedding  []float32 `db:"embedding" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ChunkMatch is one nearest-neighbour search hit.
type ChunkMatch struct {
	ChunkID    string  `json:"chunk_id"`
	Index      int     `json:"chunk_index"`
	Text       string  `json:"chunk_text"`
	Similarity float64 `json:"similarity"`
}

// IngestOutcome is the terminal state of one ingestion pass.
type IngestOutcome string

const (
	OutcomeEmbedded   IngestOutcome = "embedded"
	OutcomeNoChapters IngestOutcome = "no_chapters"
	OutcomeNoContent  IngestOutcome = "no_content"
	OutcomeImageBased IngestOutcome = "image_based"
	OutcomeFailed     IngestOutcome = "failed"
)

// IngestResult reports one document's ingestion. Soft outcomes (no chapters,
// no content, image based) carry Success=true.
type IngestResult struct {
	DocumentID       string         `json:"document_id"`
	Collection       CollectionType `json:"collection"`
	Success          bool           `json:"success"`
	Outcome          IngestOutcome  `json:"outcome"`
	IsImageBased     bool           `json:"is_image_based"`
	Message          string         `json:"message"`
	Stage            string         `json:"stage,omitempty"`
	Chapters         []Chapter      `json:"chapters"`
	ChunkCount       int            `json:"chunk_count"`
	TextLength       int            `json:"text_length"`
	PageCount        int            `json:"page_count"`
	ExtractionMethod string         `json:"extraction_method,omitempty"`
	OCRError         string         `json:"ocr_error,omitempty"`
	Duration         time.Duration  `json:"duration"`
}
