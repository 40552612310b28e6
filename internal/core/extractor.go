package core

import (
	"context"
	"strings"
)

// ExtractedText is the direct text layer of a PDF, page by page.
type ExtractedText struct {
	Pages     []string
	PageCount int
	Method    string
}

// Text joins all pages.
func (e ExtractedText) Text() string {
	return strings.Join(e.Pages, "\n")
}

// Prefix joins at most maxPages leading pages.
func (e ExtractedText) Prefix(maxPages int) string {
	if maxPages <= 0 || maxPages >= len(e.Pages) {
		return e.Text()
	}
	return strings.Join(e.Pages[:maxPages], "\n")
}

// TextExtractor pulls the text layer out of raw PDF bytes. Unparseable input
// yields empty text, never an error.
type TextExtractor interface {
	Extract(ctx context.Context, pdf []byte) ExtractedText
}
