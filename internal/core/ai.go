package core

import "context"

// EmbedPurpose tells the embedding provider whether vectors are for indexing
// or for querying. Some providers tune vectors differently per use.
type EmbedPurpose int

const (
	PurposeDocument EmbedPurpose = iota
	PurposeQuery
)

func (p EmbedPurpose) String() string {
	if p == PurposeQuery {
		return "query"
	}
	return "document"
}

// EmbeddingProvider returns one vector per input text, in input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string, purpose EmbedPurpose) ([][]float32, error)
	Dimension() int
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// VisionProvider reads a whole PDF with a multimodal model.
type VisionProvider interface {
	GenerateFromPDF(ctx context.Context, pdf []byte, prompt string) (string, error)
}
