package ingestion_engine

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 200
	DefaultMinChunkLen  = 50
)

// breakPoints in priority order: sentence end, Bangla danda, paragraph, line, word.
var breakPoints = [][]rune{
	[]rune(". "),
	[]rune("। "),
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(" "),
}

// ChunkOptions sizes are in characters (runes).
type ChunkOptions struct {
	Size    int
	Overlap int
	MinLen  int
}

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.Size <= 0 {
		o.Size = DefaultChunkSize
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		o.Overlap = 0
	}
	if o.MinLen <= 0 {
		o.MinLen = DefaultMinChunkLen
	}
	return o
}

// TextChunk is one window of the source text. Start and End are rune offsets
// of the untrimmed window; Text is trimmed.
type TextChunk struct {
	Index int
	Start int
	End   int
	Text  string
}

// Chunk splits text into overlapping windows of at most opts.Size characters.
// A window is cut at the last break point past its midpoint, or at the raw
// edge when there is none. The next window starts Overlap characters before
// the cut. Windows shorter than MinLen after trimming are dropped and the
// survivors are numbered from 0.
func Chunk(text string, opts ChunkOptions) []TextChunk {
	opts = opts.withDefaults()
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	var out []TextChunk
	start := 0
	for start < n {
		end := start + opts.Size
		if end > n {
			end = n
		}
		if end < n {
			if cut := lastBreak(runes[start:end], opts.Size/2); cut > 0 {
				end = start + cut
			}
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if utf8.RuneCountInString(piece) >= opts.MinLen {
			out = append(out, TextChunk{Index: len(out), Start: start, End: end, Text: piece})
		}

		if end >= n {
			break
		}
		next := end - opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// lastBreak returns the window-relative offset just past the highest-priority
// break point that begins after minPos, or 0 when none qualifies.
func lastBreak(window []rune, minPos int) int {
	for _, bp := range breakPoints {
		if i := lastIndexRunes(window, bp); i > minPos {
			return i + len(bp)
		}
	}
	return 0
}

func lastIndexRunes(s, sep []rune) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// SanitizeText drops NUL bytes (rejected by Postgres text columns) and
// invalid UTF-8 left behind by broken PDF font maps.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}

// truncateRunes cuts s to at most max characters.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
