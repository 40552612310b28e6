package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/logger"
)

const (
	MethodDirect  = "direct"
	MethodDocconv = "docconv"
	MethodOCR     = "vision_ocr"
)

var _ core.TextExtractor = (*PDFTextExtractor)(nil)

// PDFTextExtractor reads the text layer page by page with ledongthuc/pdf,
// counts pages with pdfcpu and, when the text layer comes back empty, retries
// through docconv (pdftotext) if enabled.
type PDFTextExtractor struct {
	useDocconv bool
	log        *logger.Logger
}

func NewPDFTextExtractor(useDocconv bool, log *logger.Logger) *PDFTextExtractor {
	return &PDFTextExtractor{useDocconv: useDocconv, log: logger.OrNop(log)}
}

// Extract never fails: unreadable input gives empty text.
func (e *PDFTextExtractor) Extract(ctx context.Context, data []byte) core.ExtractedText {
	if len(data) == 0 {
		return core.ExtractedText{}
	}

	out := core.ExtractedText{Method: MethodDirect}
	pages, err := readPages(ctx, data)
	if err != nil {
		e.log.Debug("direct pdf read failed", "error", err)
	}
	out.Pages = pages

	if n, err := pageCount(data); err == nil {
		out.PageCount = n
	} else {
		e.log.Debug("pdf page count failed", "error", err)
		out.PageCount = len(pages)
	}

	if e.useDocconv && strings.TrimSpace(out.Text()) == "" && ctx.Err() == nil {
		if body, err := convertWithDocconv(data); err == nil && strings.TrimSpace(body) != "" {
			out.Pages = splitFormFeeds(body)
			out.Method = MethodDocconv
			if out.PageCount == 0 {
				out.PageCount = len(out.Pages)
			}
		} else if err != nil {
			e.log.Debug("docconv fallback failed", "error", err)
		}
	}
	return out
}

// readPages recovers from panics inside the parser, which malformed or
// encrypted PDFs can trigger.
func readPages(ctx context.Context, data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func pageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdfcpu panic: %v", r)
		}
	}()
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx.PageCount, nil
}

func convertWithDocconv(data []byte) (body string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docconv panic: %v", r)
		}
	}()
	res, err := docconv.Convert(bytes.NewReader(data), "application/pdf", false)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

// splitFormFeeds turns pdftotext output into pages.
func splitFormFeeds(body string) []string {
	parts := strings.Split(body, "\f")
	if len(parts) > 1 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
