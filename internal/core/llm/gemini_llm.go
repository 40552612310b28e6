package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/koushole/bookrag/internal/core"
)

var (
	_ core.LLMProvider    = (*GeminiLLM)(nil)
	_ core.VisionProvider = (*GeminiLLM)(nil)
)

type GeminiOptions struct {
	APIKey      string
	Model       string
	JSONMode    bool
	Temperature float32
	MaxTokens   int32
}

// GeminiLLM serves both plain text generation and whole-PDF reading.
type GeminiLLM struct {
	client *genai.Client
	opts   GeminiOptions
	guard  *Guard
}

func NewGeminiLLM(ctx context.Context, opts GeminiOptions, guard *Guard) (*GeminiLLM, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, err
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 8192
	}
	return &GeminiLLM{client: cl, opts: opts, guard: guard}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) model(systemPrompt string) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.opts.Model)
	m.SetTemperature(g.opts.Temperature)
	m.SetMaxOutputTokens(g.opts.MaxTokens)
	if g.opts.JSONMode {
		m.ResponseMIMEType = "application/json"
	}
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	return m
}

func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.generate(ctx, g.model(systemPrompt), genai.Text(userPrompt))
}

// GenerateFromPDF sends the PDF as inline data next to the prompt. The SDK
// carries the bytes base64-encoded on the wire.
func (g *GeminiLLM) GenerateFromPDF(ctx context.Context, pdf []byte, prompt string) (string, error) {
	return g.generate(ctx, g.model(""), genai.Blob{MIMEType: "application/pdf", Data: pdf}, genai.Text(prompt))
}

func (g *GeminiLLM) generate(ctx context.Context, m *genai.GenerativeModel, parts ...genai.Part) (string, error) {
	var resp *genai.GenerateContentResponse
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = m.GenerateContent(ctx, parts...)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
