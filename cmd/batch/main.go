package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koushole/bookrag/internal/app"
	"github.com/koushole/bookrag/internal/config"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
	"github.com/koushole/bookrag/internal/services"
)

// batch processes every document without embeddings. Per-document failures
// are reported in the tally; only startup errors change the exit status.
func main() {
	cfg := config.LoadConfig()

	collection := flag.String("collection", "all", "official, library or all")
	limit := flag.Int("limit", 0, "stop after this many documents (0 = all)")
	delay := flag.Duration("delay", cfg.Ingest.BatchDelay, "minimum spacing between document starts")
	concurrency := flag.Int("concurrency", cfg.Ingest.BatchConcurrency, "documents processed at once")
	timeout := flag.Duration("timeout", cfg.Ingest.BatchBudget, "budget per document")
	flag.Parse()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	collections, err := parseCollections(*collection)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, log, "bookrag-batch")
	if err != nil {
		if errors.Is(err, config.ErrMissingSetting) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		}
		os.Exit(1)
	}
	defer application.Close()

	batch := services.NewBatchService(application.DB, application.Orchestrator, services.BatchOptions{
		Collections: collections,
		Delay:       *delay,
		Concurrency: *concurrency,
		DocTimeout:  *timeout,
		Limit:       *limit,
		OnResult:    printResult,
	}, log)

	report, err := batch.Run(ctx)
	if err != nil {
		log.Error("batch aborted", "error", err)
	}
	fmt.Println()
	fmt.Println(report.String())
	if report.Interrupted {
		fmt.Println("interrupted before all documents were processed")
	}
	fmt.Printf("took %s\n", report.Duration.Round(time.Second))
}

func parseCollections(v string) ([]models.CollectionType, error) {
	if v == "all" || v == "" {
		return []models.CollectionType{models.CollectionOfficial, models.CollectionLibrary}, nil
	}
	c, err := models.ParseCollection(v)
	if err != nil {
		return nil, err
	}
	return []models.CollectionType{c}, nil
}

func printResult(res models.IngestResult) {
	status := "ok"
	switch {
	case !res.Success:
		status = "FAILED"
	case res.Outcome == models.OutcomeImageBased:
		status = "image-based"
	case res.Outcome == models.OutcomeNoContent:
		status = "no content"
	}
	fmt.Printf("[%s] %s/%s %s: %d chapters, %d chunks (%s) %s\n",
		status, res.Collection, res.DocumentID, res.Outcome,
		len(res.Chapters), res.ChunkCount, res.Duration.Round(time.Millisecond), res.Message)
}
