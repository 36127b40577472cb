package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/httpkit"
)

// DefaultOllamaModel is used when Config.Model is empty.
const DefaultOllamaModel = "nomic-embed-text"

// Config for the Ollama embedding client.
type Config struct {
	BaseURL string // e.g. http://localhost:11434
	Model   string
}

// OllamaClient calls Ollama's /api/embed endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewOllama creates an Ollama embedding client.
func NewOllama(cfg Config) *OllamaClient {
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Generate embeds text.
func (c *OllamaClient) Generate(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(ollamaEmbedRequest{Model: c.model, Input: text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embed: decode: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: model %s returned no vector", c.model)
	}
	return out.Embeddings[0], nil
}
