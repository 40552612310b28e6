package ingestion_engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/koushole/bookrag/internal/models"
)

// chapterParser is one recovery attempt. ok=false means "try the next one".
type chapterParser func(raw string) (chapters []models.Chapter, ok bool)

// chapterParsers run in order; the first that recognises a chapter list wins.
var chapterParsers = []chapterParser{
	parseStrict,
	parseFenced,
	parseEmbeddedObject,
	parseEmbeddedArray,
}

// ParseChapters recovers a chapter list from a model response that should be
// {"chapters":[...]} but may be fenced, wrapped in prose, or a bare array.
// Unrecoverable input yields an empty list.
func ParseChapters(raw string) []models.Chapter {
	chapters, _ := parseChapterJSON(raw)
	return chapters
}

// parseChapterJSON also reports whether any attempt recognised a chapter list.
func parseChapterJSON(raw string) ([]models.Chapter, bool) {
	for _, p := range chapterParsers {
		if chapters, ok := p(raw); ok {
			return chapters, true
		}
	}
	return []models.Chapter{}, false
}

func parseStrict(raw string) ([]models.Chapter, bool) {
	return decodeChapters(strings.TrimSpace(raw))
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

func parseFenced(raw string) ([]models.Chapter, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		if chapters, ok := decodeChapters(strings.TrimSpace(m[1])); ok {
			return chapters, true
		}
	}
	return nil, false
}

func parseEmbeddedObject(raw string) ([]models.Chapter, bool) {
	return firstDecodable(raw, '{', '}')
}

func parseEmbeddedArray(raw string) ([]models.Chapter, bool) {
	return firstDecodable(raw, '[', ']')
}

func firstDecodable(raw string, open, close byte) (chapters []models.Chapter, ok bool) {
	eachBalanced(raw, open, close, func(span string) bool {
		chapters, ok = decodeChapters(span)
		return ok
	})
	return chapters, ok
}

// decodeChapters accepts {"chapters":[...]} or a top-level array.
func decodeChapters(s string) ([]models.Chapter, bool) {
	if s == "" {
		return nil, false
	}
	var items []map[string]any
	switch s[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, false
		}
		list, ok := obj["chapters"]
		if !ok {
			return nil, false
		}
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, false
		}
	case '[':
		if err := json.Unmarshal([]byte(s), &items); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	return normalizeChapters(items), true
}

// eachBalanced calls fn for every balanced span, left to right, until fn
// returns true. Spans that never close are skipped.
func eachBalanced(s string, open, close byte, fn func(span string) bool) {
	for from := 0; from < len(s); {
		i := strings.IndexByte(s[from:], open)
		if i < 0 {
			return
		}
		begin := from + i
		if end := matchClose(s, begin, open, close); end > 0 {
			if fn(s[begin : end+1]) {
				return
			}
		}
		from = begin + 1
	}
}

func matchClose(s string, begin int, open, close byte) int {
	depth := 0
	inString, escaped := false, false
	for i := begin; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// normalizeChapters maps the field spellings models actually return onto
// Chapter, fills a missing title from the other language, drops entries with
// no title at all and numbers unnumbered entries by position.
func normalizeChapters(items []map[string]any) []models.Chapter {
	out := make([]models.Chapter, 0, len(items))
	for i, it := range items {
		en := firstString(it, "title_en", "title", "name", "chapter_title")
		bn := firstString(it, "title_bn", "title_bangla", "bangla_title")
		if bn == "" && containsBengali(en) {
			bn = en
		}
		if en == "" {
			en = bn
		}
		if bn == "" {
			bn = en
		}
		if en == "" {
			continue
		}
		ch := models.Chapter{
			Number:  firstInt(it, i+1, "chapter_number", "number", "chapter", "chapter_no"),
			TitleEN: en,
			TitleBN: bn,
		}
		if p, ok := lookupInt(it, "page_start", "page", "start_page"); ok {
			ch.StartPage = &p
		}
		if p, ok := lookupInt(it, "page_end", "end_page"); ok {
			ch.EndPage = &p
		}
		out = append(out, ch)
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstInt(m map[string]any, def int, keys ...string) int {
	if n, ok := lookupInt(m, keys...); ok {
		return n
	}
	return def
}

func lookupInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case string:
			if n, ok := parseNumber(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

var digitsRe = regexp.MustCompile(`\d+`)

// parseNumber reads the first digit run, accepting Bangla digits.
func parseNumber(s string) (int, bool) {
	s = strings.Map(func(r rune) rune {
		if r >= '০' && r <= '৯' {
			return '0' + (r - '০')
		}
		return r
	}, s)
	m := digitsRe.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	return n, err == nil
}

func containsBengali(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Bengali, r) {
			return true
		}
	}
	return false
}

var (
	headingRe   = regexp.MustCompile(`(?im)^[ \t]*(?:chapter|unit|lesson|অধ্যায়|অধ্যায়)[ \t]*[-:.]?[ \t]*([0-9০-৯]+)[ \t]*[-:.)]?[ \t]*(.*)$`)
	tocLeaderRe = regexp.MustCompile(`[ \t]*[.…]{2,}[ \t]*[0-9০-৯]*[ \t]*$`)
)

// ScanHeadings finds "Chapter N: Title" style headings in plain text. It is
// the fallback when no model is available or the model finds nothing.
func ScanHeadings(text string) []models.Chapter {
	seen := map[int]bool{}
	var out []models.Chapter
	for _, m := range headingRe.FindAllStringSubmatch(text, -1) {
		n, ok := parseNumber(m[1])
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		title := strings.TrimSpace(tocLeaderRe.ReplaceAllString(m[2], ""))
		if title == "" {
			title = "Chapter " + strconv.Itoa(n)
		}
		ch := models.Chapter{Number: n, TitleEN: title, TitleBN: title}
		out = append(out, ch)
	}
	return out
}
