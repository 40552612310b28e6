package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/koushole/bookrag/internal/core"
)

const voyageBaseURL = "https://api.voyageai.com/v1"

var _ core.EmbeddingProvider = (*VoyageEmbedder)(nil)

type VoyageOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	Dim     int
}

// VoyageEmbedder calls Voyage AI's embeddings endpoint, passing input_type so
// documents and queries get the matching vectors.
type VoyageEmbedder struct {
	opts   VoyageOptions
	client *http.Client
	guard  *Guard
}

func NewVoyageEmbedder(opts VoyageOptions, httpClient *http.Client, guard *Guard) (*VoyageEmbedder, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("voyage: api key is empty")
	}
	if opts.Model == "" {
		opts.Model = "voyage-multilingual-2"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = voyageBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &VoyageEmbedder{opts: opts, client: httpClient, guard: guard}, nil
}

func (v *VoyageEmbedder) Dimension() int { return v.opts.Dim }

type voyageRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (v *VoyageEmbedder) EmbedTexts(ctx context.Context, texts []string, purpose core.EmbedPurpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(voyageRequest{Input: texts, Model: v.opts.Model, InputType: purpose.String()})
	if err != nil {
		return nil, fmt.Errorf("encode voyage request: %w", err)
	}

	var parsed voyageResponse
	err = v.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.opts.BaseURL+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+v.opts.APIKey)
		req.Header.Set("Content-Type", "application/json")
		return doJSON(v.client, req, "voyage", &parsed)
	})
	if err != nil {
		return nil, fmt.Errorf("voyage embed: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("voyage embed: got %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	sort.SliceStable(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		if d.Index != i {
			return nil, fmt.Errorf("voyage embed: missing vector for index %d", i)
		}
		if v.opts.Dim > 0 && len(d.Embedding) != v.opts.Dim {
			return nil, fmt.Errorf("voyage embed: vector %d has %d dims, want %d", i, len(d.Embedding), v.opts.Dim)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
