package knowledge

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// openAIEmbedder generates embeddings through an OpenAI-compatible endpoint.
// Works with the OpenAI API and with local TEI servers.
type openAIEmbedder struct {
	embedder *embeddings.EmbedderImpl
}

// NewOpenAIEmbedder creates an Embedder against the given endpoint and model.
func NewOpenAIEmbedder(baseURL, model, apiKey string) (Embedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("embedding base URL required")
	}
	if model == "" {
		return nil, fmt.Errorf("embedding model required")
	}
	if apiKey == "" {
		// langchaingo requires a token, use placeholder for TEI
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithEmbeddingModel(model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &openAIEmbedder{embedder: embedder}, nil
}

func (e *openAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

func (e *openAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}
