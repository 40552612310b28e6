package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
	"github.com/koushole/bookrag/internal/models"
)

const DefaultOCRMaxBytes = 20 << 20

var (
	ErrOCRUnavailable = errors.New("vision OCR not configured")
	ErrFileTooLarge   = errors.New("file exceeds OCR size limit")
)

const ocrChaptersPrompt = `This PDF is a scanned textbook, most likely in Bangla. Read it and respond with JSON only:
{"chapters":[{"chapter_number":1,"title_en":"...","title_bn":"...","page_start":1}],"text":"full extracted text of the book in reading order"}
Keep the original script in "text". Use {"chapters":[]} when the book has no table of contents.`

const ocrTextPrompt = `Extract all text from this PDF in reading order. Keep the original script (Bangla or English).
Return plain text only, with a blank line between paragraphs.`

// OCRResult is what a vision pass produced. FoundJSON is false when the model
// answered in free text; Text then holds the raw answer.
type OCRResult struct {
	Chapters  []models.Chapter
	Text      string
	FoundJSON bool
}

// VisionOCR reads image-based PDFs with a multimodal model.
type VisionOCR struct {
	vision   core.VisionProvider
	maxBytes int64
	retry    RetryPolicy
	log      *logger.Logger
}

// NewVisionOCR returns an OCR stage. A nil provider gives a stage that
// reports ErrOCRUnavailable.
func NewVisionOCR(vision core.VisionProvider, maxBytes int64, retry RetryPolicy, log *logger.Logger) *VisionOCR {
	if maxBytes <= 0 {
		maxBytes = DefaultOCRMaxBytes
	}
	return &VisionOCR{vision: vision, maxBytes: maxBytes, retry: retry, log: logger.OrNop(log)}
}

func (o *VisionOCR) Available() bool {
	return o != nil && o.vision != nil
}

// Accepts reports whether a file of size bytes may be sent.
func (o *VisionOCR) Accepts(size int) bool {
	return int64(size) <= o.maxBytes
}

// ExtractChapters asks for chapters and full text in one call. An empty
// chapter list with a nil error means the book has no discernible contents.
func (o *VisionOCR) ExtractChapters(ctx context.Context, pdf []byte) (OCRResult, error) {
	raw, err := o.call(ctx, pdf, ocrChaptersPrompt)
	if err != nil {
		return OCRResult{Chapters: []models.Chapter{}}, err
	}
	return parseOCRResponse(raw), nil
}

// ExtractText asks for freeform text only.
func (o *VisionOCR) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	raw, err := o.call(ctx, pdf, ocrTextPrompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (o *VisionOCR) call(ctx context.Context, pdf []byte, prompt string) (string, error) {
	if !o.Available() {
		return "", ErrOCRUnavailable
	}
	if !o.Accepts(len(pdf)) {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, len(pdf), o.maxBytes)
	}

	ctx, span := otel.Tracer("bookrag/ingest").Start(ctx, "ocr.vision")
	defer span.End()
	span.SetAttributes(attribute.Int("ocr.bytes", len(pdf)))

	var raw string
	err := o.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = o.vision.GenerateFromPDF(ctx, pdf, prompt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("vision ocr: %w", err)
	}
	return raw, nil
}

// ocrTextKeys are the fields a model may put the page text under.
var ocrTextKeys = []string{"text", "content", "full_text"}

// parseOCRResponse reads the chapters-and-text answer. Only an object carrying
// a chapters or text field counts as the response; a nested chapter item does
// not. When the answer was cut off before its closing brace, the closed
// chapter list and the partial text are recovered and FoundJSON stays false.
func parseOCRResponse(raw string) OCRResult {
	res := OCRResult{Chapters: []models.Chapter{}}
	var (
		obj   map[string]json.RawMessage
		found bool
	)
	eachBalanced(raw, '{', '}', func(span string) bool {
		var cand map[string]json.RawMessage
		if json.Unmarshal([]byte(span), &cand) != nil || !hasAnyKey(cand, append([]string{"chapters"}, ocrTextKeys...)...) {
			return false
		}
		obj, found = cand, true
		return true
	})
	if !found {
		if chapters, ok := parseChapterJSON(raw); ok {
			res.Chapters = chapters
		}
		res.Text = partialJSONString(raw, ocrTextKeys...)
		if res.Text == "" {
			res.Text = strings.TrimSpace(raw)
		}
		return res
	}

	res.FoundJSON = true
	if list, ok := obj["chapters"]; ok {
		var items []map[string]any
		if json.Unmarshal(list, &items) == nil {
			res.Chapters = normalizeChapters(items)
		}
	}
	for _, k := range ocrTextKeys {
		var s string
		if v, ok := obj[k]; ok && json.Unmarshal(v, &s) == nil && strings.TrimSpace(s) != "" {
			res.Text = strings.TrimSpace(s)
			break
		}
	}
	return res
}

func hasAnyKey(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// partialJSONString finds "key": "... in raw and decodes the string value up
// to its closing quote or, for a truncated answer, the end of input.
func partialJSONString(raw string, keys ...string) string {
	for _, k := range keys {
		needle := `"` + k + `"`
		for from := 0; from < len(raw); {
			i := strings.Index(raw[from:], needle)
			if i < 0 {
				break
			}
			from += i + len(needle)
			rest := strings.TrimLeft(raw[from:], " \t\r\n")
			if !strings.HasPrefix(rest, ":") {
				continue
			}
			rest = strings.TrimLeft(rest[1:], " \t\r\n")
			if !strings.HasPrefix(rest, `"`) {
				continue
			}
			if s := strings.TrimSpace(strings.ToValidUTF8(decodeStringPrefix(rest[1:]), "")); s != "" {
				return s
			}
		}
	}
	return ""
}

// decodeStringPrefix unescapes JSON string content until an unescaped quote.
// An escape cut off by the end of input is dropped.
func decodeStringPrefix(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			break
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b', 'f':
		case 'u':
			r, width, ok := decodeUnicodeEscape(s[i+1:])
			if !ok {
				return b.String()
			}
			b.WriteRune(r)
			i += width
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// decodeUnicodeEscape reads the XXXX of a \uXXXX escape, joining a following
// low surrogate. width is the number of bytes consumed after the 'u'.
func decodeUnicodeEscape(s string) (r rune, width int, ok bool) {
	if len(s) < 4 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(s[:4], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	r, width = rune(n), 4
	if utf16.IsSurrogate(r) && len(s) >= 10 && s[4:6] == `\u` {
		if lo, err := strconv.ParseUint(s[6:10], 16, 32); err == nil {
			if pair := utf16.DecodeRune(r, rune(lo)); pair != utf8.RuneError {
				return pair, 10, true
			}
		}
	}
	return r, width, true
}
