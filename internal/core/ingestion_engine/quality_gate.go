package ingestion_engine

import (
	"strings"
	"unicode/utf8"
)

// DefaultQualityThreshold is in characters. Scanned or broken-font Bangla PDFs
// typically leave a few hundred characters of noise in the text layer.
const DefaultQualityThreshold = 500

// QualityGate decides whether direct extraction produced enough text.
type QualityGate struct {
	Threshold int
}

func NewQualityGate(threshold int) QualityGate {
	if threshold <= 0 {
		threshold = DefaultQualityThreshold
	}
	return QualityGate{Threshold: threshold}
}

// Sufficient reports whether the trimmed text has at least Threshold characters.
func (g QualityGate) Sufficient(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= g.Threshold
}
