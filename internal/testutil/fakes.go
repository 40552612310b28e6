package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/koushole/bookrag/internal/core"
)

var (
	_ core.EmbeddingProvider = (*HashEmbedder)(nil)
	_ core.LLMProvider       = (*FakeLLM)(nil)
	_ core.VisionProvider    = (*FakeVision)(nil)
	_ core.TextExtractor     = (*FakeExtractor)(nil)
	_ core.Fetcher           = (*FakeFetcher)(nil)
)

// HashEmbedder maps each word to a bucket by FNV hash. Equal texts give equal
// vectors and texts sharing words point in similar directions.
type HashEmbedder struct {
	Dim int
	// FailOnCall makes the n-th EmbedTexts call (1-based) return Err.
	FailOnCall int
	Err        error

	mu       sync.Mutex
	calls    int
	batches  [][]string
	purposes []core.EmbedPurpose
}

func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.Dim }

func (e *HashEmbedder) EmbedTexts(ctx context.Context, texts []string, purpose core.EmbedPurpose) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.batches = append(e.batches, append([]string(nil), texts...))
	e.purposes = append(e.purposes, purpose)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailOnCall > 0 && call == e.FailOnCall {
		if e.Err != nil {
			return nil, e.Err
		}
		return nil, fmt.Errorf("embed call %d: %w", call, ErrInjected)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.Vector(t)
	}
	return out, nil
}

// Vector is the embedding EmbedTexts returns for text.
func (e *HashEmbedder) Vector(text string) []float32 {
	v := make([]float32, e.Dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(e.Dim)]++
	}
	return v
}

// Batches returns the text batches seen so far.
func (e *HashEmbedder) Batches() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.batches...)
}

// Purposes returns the purpose of every call so far.
func (e *HashEmbedder) Purposes() []core.EmbedPurpose {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.EmbedPurpose(nil), e.purposes...)
}

// FakeLLM answers every prompt with Response, or Err when set.
type FakeLLM struct {
	Response string
	Err      error

	mu      sync.Mutex
	prompts []string
}

func (l *FakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	l.mu.Lock()
	l.prompts = append(l.prompts, userPrompt)
	l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.Err != nil {
		return "", l.Err
	}
	return l.Response, nil
}

// Prompts returns the user prompts received.
func (l *FakeLLM) Prompts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.prompts...)
}

// FakeVision answers with Response, or fails the first FailTimes calls with Err.
// ByPrompt and ErrByPrompt override the answer for an exact prompt. Block
// makes it wait for ctx instead of answering.
type FakeVision struct {
	Response    string
	ByPrompt    map[string]string
	ErrByPrompt map[string]error
	Err       error
	FailTimes int
	Block     bool

	mu    sync.Mutex
	calls int
}

func (v *FakeVision) GenerateFromPDF(ctx context.Context, pdf []byte, prompt string) (string, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.mu.Unlock()

	if v.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if v.Err != nil && (v.FailTimes == 0 || call <= v.FailTimes) {
		return "", v.Err
	}
	if err, ok := v.ErrByPrompt[prompt]; ok {
		return "", err
	}
	if out, ok := v.ByPrompt[prompt]; ok {
		return out, nil
	}
	return v.Response, nil
}

func (v *FakeVision) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// FakeExtractor returns Text split into the given pages.
type FakeExtractor struct {
	Pages []string
}

func (x *FakeExtractor) Extract(_ context.Context, pdf []byte) core.ExtractedText {
	if len(pdf) == 0 {
		return core.ExtractedText{}
	}
	return core.ExtractedText{Pages: x.Pages, PageCount: len(x.Pages), Method: "direct"}
}

// FakeFetcher serves Files by URL.
type FakeFetcher struct {
	Files map[string][]byte
	Err   error
}

func (f *FakeFetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	data, ok := f.Files[fileURL]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", fileURL)
	}
	return data, nil
}
