package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
)

// OpenAIClient generates embeddings with the OpenAI embeddings API.
type OpenAIClient struct {
	api   *openai.Client
	model openai.EmbeddingModel
}

// NewOpenAI wraps an SDK client. An empty model selects
// text-embedding-3-small.
func NewOpenAI(api *openai.Client, model string) *OpenAIClient {
	m := openai.EmbeddingModelTextEmbedding3Small
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIClient{api: api, model: m}
}

// Generate creates an embedding for the given text.
func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
