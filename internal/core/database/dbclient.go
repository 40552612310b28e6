package db

import (
	"fmt"
	"strings"

	"github.com/koushole/bookrag/internal/core"
	"github.com/koushole/bookrag/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

// batchRanges splits n items into [start, end) windows of at most size.
func batchRanges(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// documentLockKey is the advisory lock key guarding a document's chunk set.
func documentLockKey(collection models.CollectionType, docID string) string {
	return collection.ForeignKey() + ":" + docID
}

// chunkInsertSQL builds a multi-row insert for n chunks of one document.
// Placeholders: $1 owner id, then (index, text, embedding) per row.
func chunkInsertSQL(collection models.CollectionType, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO book_chunks (%s, chunk_index, chunk_text, embedding) VALUES ", collection.ForeignKey())
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		p := 2 + i*3
		fmt.Fprintf(&b, "($1, $%d, $%d, $%d::vector)", p, p+1, p+2)
	}
	return b.String()
}
