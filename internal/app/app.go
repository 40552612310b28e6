package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/koushole/bookrag/internal/config"
	"github.com/koushole/bookrag/internal/core"
	db "github.com/koushole/bookrag/internal/core/database"
	"github.com/koushole/bookrag/internal/core/ingestion_engine"
	"github.com/koushole/bookrag/internal/core/llm"
	objectclient "github.com/koushole/bookrag/internal/core/object-client"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/queue"
	"github.com/koushole/bookrag/internal/services"
	"github.com/koushole/bookrag/internal/telemetry"
)

// Requests per minute allowed per provider.
const (
	embedRPM   = 300
	chapterRPM = 30
	visionRPM  = 10

	maxDownloadBytes = 200 << 20
)

// App holds the wired components shared by the api, worker and batch binaries.
type App struct {
	Config       *config.Config
	Log          *logger.Logger
	DB           *db.DatabaseClient
	Orchestrator *ingestion_engine.Orchestrator
	Enqueuer     *queue.Enqueuer

	Documents *services.DocumentService
	Ingest    *services.IngestService
	Retrieval *services.RetrievalService
	Chat      *services.ChatService

	closers        []io.Closer
	shutdownTracer func(context.Context)
}

func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger, service string) (*App, error) {
	log = logger.OrNop(log)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.RequireIngestion(); err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Log: log}
	shutdown, err := telemetry.InitTracer(appCtx, service, cfg.OTLPEndpoint, log)
	if err != nil {
		return nil, err
	}
	a.shutdownTracer = shutdown

	dbClient, err := db.NewDatabaseClient(appCtx, db.Options{
		DatabaseURL: cfg.DatabaseURL,
		SslCertPath: cfg.SslCertPath,
		EmbedDim:    cfg.EmbedDim,
	}, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = dbClient
	a.closers = append(a.closers, dbClient)
	log.Info("database initialized and ready")

	var storage core.ObjectClient
	if err := cfg.RequireStorage(); err != nil {
		log.Warn("object storage disabled, uploads will be rejected", "reason", err)
	} else {
		s3c, err := objectclient.NewS3Client(appCtx, objectclient.S3Options{
			AccessKey: cfg.AwsAccessKey,
			SecretKey: cfg.AwsSecretKey,
			Region:    cfg.AwsRegion,
			Bucket:    cfg.BucketName,
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		storage = s3c
		log.Info("object client initialized and ready", "bucket", cfg.BucketName)
	}

	embedder, err := a.newEmbedder(appCtx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}
	chapterLLM, err := a.newChapterLLM(appCtx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the chapter model: %w", err)
	}
	var vision core.VisionProvider
	var answerLLM core.LLMProvider
	if cfg.OCREnabled() {
		v, err := llm.NewGeminiLLM(appCtx, llm.GeminiOptions{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.VisionModel,
			Temperature: 0.1,
			MaxTokens:   8192,
		}, llm.NewGuard("gemini-vision", visionRPM, log))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("couldn't initialize the vision model: %w", err)
		}
		a.closers = append(a.closers, v)
		vision = v

		gen, err := llm.NewGeminiLLM(appCtx, llm.GeminiOptions{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GenModel,
		}, llm.NewGuard("gemini-chat", chapterRPM, log))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("couldn't initialize the answer model: %w", err)
		}
		a.closers = append(a.closers, gen)
		answerLLM = gen
	} else {
		log.Warn("no vision credential configured, scanned documents will be reported as image based")
		answerLLM, err = llm.NewGroqLLM(llm.GroqOptions{
			APIKey: cfg.GroqAPIKey,
			Model:  cfg.GroqModel,
		}, nil, llm.NewGuard("groq-chat", chapterRPM, log))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("couldn't initialize the answer model: %w", err)
		}
	}

	ingCfg := ingestion_engine.IngestConfigFrom(cfg.Ingest)
	a.Orchestrator = ingestion_engine.NewOrchestrator(ingestion_engine.Deps{
		DB:        dbClient,
		Fetcher:   objectclient.NewURLFetcher(storage, nil, maxDownloadBytes),
		Extractor: ingestion_engine.NewPDFTextExtractor(true, log),
		OCR:       ingestion_engine.NewVisionOCR(vision, ingCfg.OCRMaxBytes, ingCfg.OCRRetry, log),
		Chapters:  ingestion_engine.NewChapterExtractor(chapterLLM, ingCfg.SampleMaxChars, ingCfg.ProviderRetry, log),
		Embedder:  embedder,
	}, ingCfg, log)

	var scheduler services.Scheduler = a.Orchestrator
	if cfg.RedisURL != "" {
		opt, err := queue.RedisConnOpt(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Enqueuer = queue.NewEnqueuer(opt, ingCfg.JobTimeout, log)
		a.closers = append(a.closers, a.Enqueuer)
		scheduler = a.Enqueuer
		log.Info("ingestion jobs go through redis")
	}

	a.Documents = services.NewDocumentService(dbClient, storage, log)
	a.Ingest = services.NewIngestService(dbClient, a.Orchestrator, scheduler, cfg.Ingest.SyncBudget, log)
	a.Retrieval = services.NewRetrievalService(dbClient, embedder, cfg.EmbedDim, log)
	a.Chat = services.NewChatService(a.Retrieval, answerLLM, log)
	return a, nil
}

func (a *App) newEmbedder(ctx context.Context) (core.EmbeddingProvider, error) {
	cfg := a.Config
	guard := llm.NewGuard(cfg.EmbedProvider+"-embed", embedRPM, a.Log)
	if cfg.EmbedProvider == "voyage" {
		return llm.NewVoyageEmbedder(llm.VoyageOptions{
			APIKey: cfg.VoyageAPIKey,
			Model:  cfg.EmbedModel,
			Dim:    cfg.EmbedDim,
		}, nil, guard)
	}
	e, err := llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedDim, guard)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, e)
	return e, nil
}

func (a *App) newChapterLLM(ctx context.Context) (core.LLMProvider, error) {
	cfg := a.Config
	guard := llm.NewGuard(cfg.ChapterProvider+"-chapters", chapterRPM, a.Log)
	if cfg.ChapterProvider == "gemini" {
		g, err := llm.NewGeminiLLM(ctx, llm.GeminiOptions{
			APIKey:      cfg.GeminiAPIKey,
			Model:       cfg.GenModel,
			JSONMode:    true,
			Temperature: 0.1,
		}, guard)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g)
		return g, nil
	}
	return llm.NewGroqLLM(llm.GroqOptions{
		APIKey:      cfg.GroqAPIKey,
		Model:       cfg.GroqModel,
		JSONMode:    true,
		Temperature: 0.1,
	}, nil, guard)
}

// StartWorkers runs in-process ingestion workers when no Redis queue is
// configured. With Redis, cmd/worker drains the queue instead.
func (a *App) StartWorkers(ctx context.Context) {
	if a.Enqueuer != nil {
		return
	}
	a.Orchestrator.Start(ctx, a.Config.Ingest.Workers)
	a.Log.Info("in-process ingestion workers started", "workers", a.Config.Ingest.Workers)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdownTracer(ctx)
		a.shutdownTracer = nil
	}
}
