package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSetting marks a configuration error. These are fatal and reported
// before any provider call is made.
var ErrMissingSetting = errors.New("missing configuration")

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	GeminiAPIKey    string
	VoyageAPIKey    string
	GroqAPIKey      string
	EmbedProvider   string
	EmbedModel      string
	EmbedDim        int
	GenModel        string
	VisionModel     string
	GroqModel       string
	ChapterProvider string

	RedisURL     string
	OTLPEndpoint string
	LogMode      string
	Port         string
	CorsOrigins  []string

	Ingest IngestSettings
}

// IngestSettings are the tuning knobs of the ingestion pipeline.
type IngestSettings struct {
	ChunkSize        int
	ChunkOverlap     int
	MinChunkLen      int
	QualityThreshold int
	MinContentLen    int
	OCRMaxBytes      int64
	OCRMaxAttempts   int
	OCRRetryDelay    time.Duration
	EmbedBatchSize   int
	EmbedBatchPause  time.Duration
	StoreBatchSize   int
	SampleMaxChars   int
	SampleMaxPages   int
	ContentMaxChars  int
	SyncBudget       time.Duration
	BatchBudget      time.Duration
	BatchDelay       time.Duration
	BatchConcurrency int
	Workers          int
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "ap-south-1"),
		BucketName:   getEnv("BUCKET_NAME", "koushole-books"),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		VoyageAPIKey:    getEnv("VOYAGE_API_KEY", ""),
		GroqAPIKey:      getEnv("GROQ_API_KEY", ""),
		EmbedProvider:   strings.ToLower(getEnv("EMBED_PROVIDER", "gemini")),
		EmbedModel:      getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:        getEnvInt("EMBED_DIM", 768),
		GenModel:        getEnv("GEN_MODEL", "gemini-2.0-flash"),
		VisionModel:     getEnv("VISION_MODEL", "gemini-2.0-flash"),
		GroqModel:       getEnv("GROQ_MODEL", "meta-llama/llama-4-scout-17b-16e-instruct"),
		ChapterProvider: strings.ToLower(getEnv("CHAPTER_PROVIDER", "groq")),

		RedisURL:     getEnv("REDIS_URL", ""),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogMode:      getEnv("LOG_MODE", "production"),
		Port:         getEnv("PORT", "8080"),
		CorsOrigins:  splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8888")),

		Ingest: IngestSettings{
			ChunkSize:        getEnvInt("CHUNK_SIZE", 2000),
			ChunkOverlap:     getEnvInt("CHUNK_OVERLAP", 200),
			MinChunkLen:      getEnvInt("MIN_CHUNK_LEN", 50),
			QualityThreshold: getEnvInt("QUALITY_THRESHOLD", 500),
			MinContentLen:    getEnvInt("MIN_CONTENT_LEN", 200),
			OCRMaxBytes:      int64(getEnvInt("OCR_MAX_MB", 20)) << 20,
			OCRMaxAttempts:   getEnvInt("OCR_MAX_ATTEMPTS", 3),
			OCRRetryDelay:    getEnvDuration("OCR_RETRY_DELAY", 30*time.Second),
			EmbedBatchSize:   getEnvInt("EMBED_BATCH_SIZE", 20),
			EmbedBatchPause:  getEnvDuration("EMBED_BATCH_PAUSE", time.Second),
			StoreBatchSize:   getEnvInt("STORE_BATCH_SIZE", 50),
			SampleMaxChars:   getEnvInt("CHAPTER_SAMPLE_CHARS", 8000),
			SampleMaxPages:   getEnvInt("CHAPTER_SAMPLE_PAGES", 10),
			ContentMaxChars:  getEnvInt("CONTENT_MAX_CHARS", 100000),
			SyncBudget:       getEnvDuration("SYNC_BUDGET", 60*time.Second),
			BatchBudget:      getEnvDuration("BATCH_BUDGET", 30*time.Minute),
			BatchDelay:       getEnvDuration("BATCH_DELAY", 10*time.Second),
			BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 1),
			Workers:          getEnvInt("INGEST_WORKERS", 2),
		},
	}

	return cfg
}

// Validate reports settings that are malformed regardless of which binary runs.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_DIM must be positive, got %d", c.EmbedDim))
	}
	switch c.EmbedProvider {
	case "gemini", "voyage":
	default:
		errs = append(errs, fmt.Errorf("EMBED_PROVIDER %q is not supported", c.EmbedProvider))
	}
	switch c.ChapterProvider {
	case "groq", "gemini":
	default:
		errs = append(errs, fmt.Errorf("CHAPTER_PROVIDER %q is not supported", c.ChapterProvider))
	}
	in := c.Ingest
	if in.ChunkSize <= 0 || in.ChunkOverlap < 0 || in.ChunkOverlap >= in.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap %d must be in [0, %d)", in.ChunkOverlap, in.ChunkSize))
	}
	if in.EmbedBatchSize <= 0 || in.StoreBatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	return errors.Join(errs...)
}

// RequireIngestion checks the credentials the ingestion pipeline cannot run without.
// The vision key is optional: without it image-based documents are reported, not OCR'd.
func (c *Config) RequireIngestion() error {
	var errs []error
	if err := c.requireEmbedding(); err != nil {
		errs = append(errs, err)
	}
	switch c.ChapterProvider {
	case "groq":
		if c.GroqAPIKey == "" {
			errs = append(errs, fmt.Errorf("%w: GROQ_API_KEY", ErrMissingSetting))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingSetting))
		}
	}
	return errors.Join(errs...)
}

// RequireRetrieval checks the credentials needed to embed queries.
func (c *Config) RequireRetrieval() error {
	return c.requireEmbedding()
}

// RequireStorage checks the object storage settings used for uploads.
func (c *Config) RequireStorage() error {
	if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
		return fmt.Errorf("%w: AWS_ACCESS_KEY/AWS_SECRET_KEY", ErrMissingSetting)
	}
	if c.BucketName == "" {
		return fmt.Errorf("%w: BUCKET_NAME", ErrMissingSetting)
	}
	return nil
}

func (c *Config) requireEmbedding() error {
	switch c.EmbedProvider {
	case "voyage":
		if c.VoyageAPIKey == "" {
			return fmt.Errorf("%w: VOYAGE_API_KEY", ErrMissingSetting)
		}
	default:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingSetting)
		}
	}
	return nil
}

// OCREnabled reports whether a vision-capable credential is configured.
func (c *Config) OCREnabled() bool {
	return c.GeminiAPIKey != ""
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
