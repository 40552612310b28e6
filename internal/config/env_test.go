package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/books")
	t.Setenv("CHUNK_SIZE", "")
	t.Setenv("OCR_RETRY_DELAY", "not-a-duration")

	cfg := LoadConfig()

	assert.Equal(t, 2000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 200, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 500, cfg.Ingest.QualityThreshold)
	assert.Equal(t, int64(20<<20), cfg.Ingest.OCRMaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Ingest.OCRRetryDelay)
	assert.Equal(t, 768, cfg.EmbedDim)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := &Config{
		EmbedProvider:   "openai",
		ChapterProvider: "groq",
		EmbedDim:        0,
		Ingest:          IngestSettings{ChunkSize: 100, ChunkOverlap: 100, EmbedBatchSize: 1, StoreBatchSize: 1},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSetting)
	assert.Contains(t, err.Error(), "EMBED_DIM")
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "overlap")
}

func TestRequireIngestion(t *testing.T) {
	cfg := &Config{EmbedProvider: "voyage", ChapterProvider: "groq"}
	err := cfg.RequireIngestion()
	require.ErrorIs(t, err, ErrMissingSetting)
	assert.Contains(t, err.Error(), "VOYAGE_API_KEY")
	assert.Contains(t, err.Error(), "GROQ_API_KEY")

	cfg.VoyageAPIKey = "v"
	cfg.GroqAPIKey = "g"
	assert.NoError(t, cfg.RequireIngestion())
	assert.False(t, cfg.OCREnabled())

	cfg.GeminiAPIKey = "k"
	assert.True(t, cfg.OCREnabled())
}

func TestRequireStorage(t *testing.T) {
	cfg := &Config{BucketName: "b"}
	assert.ErrorIs(t, cfg.RequireStorage(), ErrMissingSetting)

	cfg.AwsAccessKey, cfg.AwsSecretKey = "a", "s"
	assert.NoError(t, cfg.RequireStorage())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}
