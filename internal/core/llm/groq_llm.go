package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koushole/bookrag/internal/core"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

var _ core.LLMProvider = (*GroqLLM)(nil)

type GroqOptions struct {
	APIKey      string
	Model       string
	BaseURL     string
	JSONMode    bool
	Temperature float64
	MaxTokens   int
}

// GroqLLM talks to Groq's OpenAI-compatible chat completions API.
type GroqLLM struct {
	opts   GroqOptions
	client *http.Client
	guard  *Guard
}

func NewGroqLLM(opts GroqOptions, httpClient *http.Client, guard *Guard) (*GroqLLM, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("groq: api key is empty")
	}
	if opts.Model == "" {
		opts.Model = "meta-llama/llama-4-scout-17b-16e-instruct"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = groqBaseURL
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &GroqLLM{opts: opts, client: httpClient, guard: guard}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (g *GroqLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := chatRequest{
		Model:       g.opts.Model,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
	}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: userPrompt})
	if g.opts.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode groq request: %w", err)
	}

	var parsed chatResponse
	err = g.guard.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.BaseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+g.opts.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return doJSON(g.client, httpReq, "groq", &parsed)
	})
	if err != nil {
		return "", fmt.Errorf("groq generate: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("groq returned empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// doJSON executes req and decodes a 2xx JSON body into out. Non-2xx
// responses become a *ProviderError.
func doJSON(client *http.Client, req *http.Request, provider string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s read body: %w", provider, err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", provider, err)
	}
	return nil
}
