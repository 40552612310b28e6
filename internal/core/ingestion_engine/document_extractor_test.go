package ingestion_engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUnparseableInput(t *testing.T) {
	x := NewPDFTextExtractor(false, nil)

	for _, data := range [][]byte{nil, []byte("not a pdf at all"), []byte("%PDF-1.4\n%broken")} {
		got := x.Extract(context.Background(), data)
		assert.Empty(t, got.Text())
	}
}

func TestSplitFormFeeds(t *testing.T) {
	assert.Equal(t, []string{"one", "two"}, splitFormFeeds("one\ftwo\f"))
	assert.Equal(t, []string{"single"}, splitFormFeeds("single"))
}
