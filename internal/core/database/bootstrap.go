package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

// schemaVersion is bumped whenever initdb.sql changes. Older databases get the
// script re-applied; every statement in it is idempotent.
const schemaVersion = 2

// bootstrapLockKey serialises schema creation between the api, worker and
// batch binaries starting at the same time.
const bootstrapLockKey = 7262019

// ErrDimensionMismatch means the database was bootstrapped for a different
// embedding model. It is a configuration error.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// EnsureBootstrapped creates the schema on first start and verifies the stored
// embedding dimension on every start after that.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, embedDim int) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'bookrag_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		return runBootstrap(ctxBoot, db, embedDim)
	}

	var storedVersion, storedDim int
	err = db.QueryRowContext(ctxBoot, `SELECT version, embed_dim FROM bookrag_meta ORDER BY version DESC LIMIT 1`).
		Scan(&storedVersion, &storedDim)
	if errors.Is(err, sql.ErrNoRows) {
		return runBootstrap(ctxBoot, db, embedDim)
	}
	if err != nil {
		return fmt.Errorf("meta version check failed: %w", err)
	}
	if storedDim != embedDim {
		return fmt.Errorf("%w: database has vector(%d), EMBED_DIM is %d", ErrDimensionMismatch, storedDim, embedDim)
	}
	if storedVersion < schemaVersion {
		return runBootstrap(ctxBoot, db, embedDim)
	}
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB, embedDim int) error {
	script, err := renderBootstrap(embedDim)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bootstrapLockKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bootstrap lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

func renderBootstrap(embedDim int) (string, error) {
	if embedDim <= 0 {
		return "", fmt.Errorf("invalid embedding dimension %d", embedDim)
	}
	raw, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return "", fmt.Errorf("read initdb.sql: %w", err)
	}
	return strings.NewReplacer(
		"{{EMBED_DIM}}", strconv.Itoa(embedDim),
		"{{SCHEMA_VERSION}}", strconv.Itoa(schemaVersion),
	).Replace(string(raw)), nil
}
