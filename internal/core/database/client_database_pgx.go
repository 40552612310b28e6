package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

type Options struct {
	DatabaseURL string
	SslCertPath string
	EmbedDim    int
}

type DatabaseClient struct {
	db       *sql.DB
	embedDim int
	log      *logger.Logger
}

func NewDatabaseClient(ctx context.Context, opts Options, log *logger.Logger) (*DatabaseClient, error) {
	if opts.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	dsn, err := withSSL(opts.DatabaseURL, opts.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, opts.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, embedDim: opts.EmbedDim, log: logger.OrNop(log)}, nil
}

// withSSL appends verify-ca parameters when a root certificate is configured.
func withSSL(rawURL, certPath string) (string, error) {
	if certPath == "" {
		return rawURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

const documentColumns = `id, title, file_url, file_size, language, class_level, subject,
	chunks_generated, total_chunks, is_image_based, last_outcome, embedded_at, created_at, updated_at`

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	q := fmt.Sprintf(`
		INSERT INTO %s (id, title, file_url, file_size, language, class_level, subject)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`, doc.Collection.Table())
	return c.db.QueryRowContext(ctx, q,
		doc.ID, doc.Title, doc.FileURL, doc.FileSize, doc.Language, doc.ClassLevel, doc.Subject,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
}

func (c *DatabaseClient) GetDocument(ctx context.Context, collection models.CollectionType, id string) (*models.Document, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, documentColumns, collection.Table())
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s document %s: %w", collection, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.Collection = collection
	return d, nil
}

// ListDocuments returns documents oldest first. pendingOnly keeps the ones not
// yet embedded and the ones whose last pass failed.
func (c *DatabaseClient) ListDocuments(ctx context.Context, collection models.CollectionType, pendingOnly bool) ([]models.Document, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s`, documentColumns, collection.Table())
	if pendingOnly {
		q += ` WHERE chunks_generated = FALSE OR last_outcome = 'failed'`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		d.Collection = collection
		out = append(out, *d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d          models.Document
		embeddedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.Title, &d.FileURL, &d.FileSize, &d.Language, &d.ClassLevel, &d.Subject,
		&d.ChunksGenerated, &d.TotalChunks, &d.IsImageBased, &d.LastOutcome, &embeddedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if embeddedAt.Valid {
		t := embeddedAt.Time
		d.EmbeddedAt = &t
	}
	return &d, nil
}

func (c *DatabaseClient) MarkOutcome(ctx context.Context, collection models.CollectionType, id string, outcome models.IngestOutcome, imageBased bool) error {
	q := fmt.Sprintf(`
		UPDATE %s
		SET last_outcome = $2, is_image_based = $3, updated_at = now()
		WHERE id = $1`, collection.Table())
	res, err := c.db.ExecContext(ctx, q, id, string(outcome), imageBased)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s document %s: %w", collection, id, core.ErrNotFound)
	}
	return nil
}

func (c *DatabaseClient) ReplaceChapters(ctx context.Context, collection models.CollectionType, docID string, chapters []models.Chapter) ([]models.Chapter, error) {
	fk := collection.ForeignKey()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM book_chapters WHERE %s = $1`, fk), docID); err != nil {
		return nil, fmt.Errorf("delete chapters: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO book_chapters (id, %s, chapter_number, title_en, title_bn, page_start, page_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, fk))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]models.Chapter, len(chapters))
	for i, ch := range chapters {
		ch.ID = uuid.NewString()
		ch.DocumentID = docID
		if _, err := stmt.ExecContext(ctx, ch.ID, docID, ch.Number, ch.TitleEN, ch.TitleBN, ch.StartPage, ch.EndPage); err != nil {
			return nil, fmt.Errorf("insert chapter %d: %w", ch.Number, err)
		}
		out[i] = ch
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DatabaseClient) ReplaceContent(ctx context.Context, collection models.CollectionType, block models.ContentBlock) error {
	fk := collection.ForeignKey()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM book_content WHERE %s = $1`, fk), block.DocumentID); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO book_content (%s, chapter_id, content, extraction_method) VALUES ($1, $2, $3, $4)`, fk)
	if _, err := tx.ExecContext(ctx, q, block.DocumentID, block.ChapterID, block.Content, block.Method); err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetContent(ctx context.Context, collection models.CollectionType, docID string) (*models.ContentBlock, error) {
	q := fmt.Sprintf(`SELECT chapter_id, content, extraction_method, created_at FROM book_content WHERE %s = $1`, collection.ForeignKey())
	var (
		b         models.ContentBlock
		chapterID sql.NullString
	)
	err := c.db.QueryRowContext(ctx, q, docID).Scan(&chapterID, &b.Content, &b.Method, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content for %s: %w", docID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if chapterID.Valid {
		b.ChapterID = &chapterID.String
	}
	b.DocumentID = docID
	return &b, nil
}

// ReplaceChunks runs delete, batched inserts and the flag update in one
// transaction under a per-document advisory lock, so concurrent reprocessing
// of the same document is serialised and a failed batch leaves the previous
// chunk set untouched.
func (c *DatabaseClient) ReplaceChunks(ctx context.Context, collection models.CollectionType, docID string, chunks []models.Chunk, batchSize int) error {
	for i, ch := range chunks {
		if ch.Index != i {
			return fmt.Errorf("chunk ordinals must be contiguous: position %d has index %d", i, ch.Index)
		}
		if len(ch.Embedding) != c.embedDim {
			return fmt.Errorf("%w: chunk %d has %d dims, store has %d", ErrDimensionMismatch, i, len(ch.Embedding), c.embedDim)
		}
	}

	fk := collection.ForeignKey()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentLockKey(collection, docID)); err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM book_chunks WHERE %s = $1`, fk), docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	for n, r := range batchRanges(len(chunks), batchSize) {
		batch := chunks[r[0]:r[1]]
		args := make([]any, 0, 1+len(batch)*3)
		args = append(args, docID)
		for _, ch := range batch {
			args = append(args, ch.Index, ch.Text, pgvector.NewVector(ch.Embedding))
		}
		if _, err := tx.ExecContext(ctx, chunkInsertSQL(collection, len(batch)), args...); err != nil {
			return fmt.Errorf("insert chunk batch %d [%d,%d): %w", n, r[0], r[1], err)
		}
	}

	q := fmt.Sprintf(`
		UPDATE %s
		SET chunks_generated = TRUE, total_chunks = $2, embedded_at = now(), updated_at = now()
		WHERE id = $1`, collection.Table())
	res, err := tx.ExecContext(ctx, q, docID, len(chunks))
	if err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s document %s: %w", collection, docID, core.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Debug("chunks replaced", "collection", collection, "document_id", docID, "chunks", len(chunks))
	return nil
}

// SearchChunks calls the search_book_chunks procedure with the query vector in
// its bracketed text form.
func (c *DatabaseClient) SearchChunks(ctx context.Context, collection models.CollectionType, docID string, query []float32, limit int) ([]models.ChunkMatch, error) {
	if len(query) != c.embedDim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d", ErrDimensionMismatch, len(query), c.embedDim)
	}
	const q = `SELECT id, chunk_index, chunk_text, similarity FROM search_book_chunks($1::vector, $2, $3, $4)`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(query).String(), limit, docID, collection == models.CollectionLibrary)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkMatch
	for rows.Next() {
		var m models.ChunkMatch
		if err := rows.Scan(&m.ChunkID, &m.Index, &m.Text, &m.Similarity); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountChunks(ctx context.Context, collection models.CollectionType, docID string) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT count(*) FROM book_chunks WHERE %s = $1`, collection.ForeignKey())
	err := c.db.QueryRowContext(ctx, q, docID).Scan(&n)
	return n, err
}
