package ingestion_engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

const DefaultSampleChars = 8000

// DocumentContext is curriculum metadata passed to the model with the sample.
type DocumentContext struct {
	Title      string
	ClassLevel string
	Subject    string
	Language   string
}

func (d DocumentContext) describe() string {
	var parts []string
	for _, kv := range [][2]string{
		{"Title", d.Title}, {"Class", d.ClassLevel}, {"Subject", d.Subject}, {"Language", d.Language},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+": "+kv[1])
		}
	}
	return strings.Join(parts, "\n")
}

const chapterSystemPrompt = `You read the opening pages of Bangladeshi school textbooks and return their table of contents.
Respond with JSON only, shaped as:
{"chapters":[{"chapter_number":1,"title_en":"English title","title_bn":"বাংলা শিরোনাম","page_start":1,"page_end":12}]}
Give both titles for every chapter, translating or transliterating when the book only shows one language.
Use null for unknown pages. Return {"chapters":[]} when there is no discernible table of contents.`

// ChapterExtractor asks a language model for a structured table of contents.
type ChapterExtractor struct {
	llm      core.LLMProvider
	maxChars int
	retry    RetryPolicy
	log      *logger.Logger
}

func NewChapterExtractor(llm core.LLMProvider, maxChars int, retry RetryPolicy, log *logger.Logger) *ChapterExtractor {
	if maxChars <= 0 {
		maxChars = DefaultSampleChars
	}
	return &ChapterExtractor{llm: llm, maxChars: maxChars, retry: retry, log: logger.OrNop(log)}
}

// Extract returns the chapters found in sample. Malformed model output never
// errors; it falls back to heading detection and then to an empty list. An
// error means the model could not be reached.
func (x *ChapterExtractor) Extract(ctx context.Context, sample string, doc DocumentContext) ([]models.Chapter, error) {
	sample = strings.TrimSpace(truncateRunes(sample, x.maxChars))
	if sample == "" {
		return []models.Chapter{}, nil
	}
	if x.llm == nil {
		return orEmpty(ScanHeadings(sample)), nil
	}

	ctx, span := otel.Tracer("bookrag/ingest").Start(ctx, "chapters.extract")
	defer span.End()

	prompt := fmt.Sprintf("%s\n\nText sample:\n%s", doc.describe(), sample)
	var raw string
	err := x.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = x.llm.Generate(ctx, chapterSystemPrompt, prompt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return orEmpty(ScanHeadings(sample)), fmt.Errorf("chapter extraction: %w", err)
	}

	chapters, parsed := parseChapterJSON(raw)
	if len(chapters) == 0 {
		chapters = ScanHeadings(sample)
	}
	span.SetAttributes(attribute.Int("chapters.count", len(chapters)), attribute.Bool("chapters.parsed", parsed))
	if !parsed {
		x.log.Warn("chapter response was not json", "preview", truncateRunes(raw, 200))
	}
	return orEmpty(chapters), nil
}

func orEmpty(chapters []models.Chapter) []models.Chapter {
	if chapters == nil {
		return []models.Chapter{}
	}
	return chapters
}
