package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Collection is the standards collection name.
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemStore implements Store using chromem-go, an embeddable vector
// database with persistence to disk and no external service dependency.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Collection == "" {
		config.Collection = "security_standards"
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("standards store initialized",
		zap.String("provider", "chromem"),
		zap.String("path", path),
		zap.String("collection", config.Collection),
	)

	return &ChromemStore{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// AddControls upserts controls for the given standard.
func (s *ChromemStore) AddControls(ctx context.Context, standardID string, controls []Control) error {
	if standardID == "" {
		return fmt.Errorf("standard ID required")
	}
	if len(controls) == 0 {
		return fmt.Errorf("controls cannot be empty")
	}

	collection, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return fmt.Errorf("%w: getting collection: %v", ErrUnavailable, err)
	}

	texts := make([]string, len(controls))
	for i, c := range controls {
		texts[i] = controlText(c)
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embedding controls: %v", ErrUnavailable, err)
	}

	docs := make([]chromem.Document, len(controls))
	for i, c := range controls {
		docs[i] = chromem.Document{
			ID:      standardID + "/" + c.ID,
			Content: texts[i],
			Metadata: map[string]string{
				"standard":    standardID,
				"control_id":  c.ID,
				"title":       c.Title,
				"description": c.Description,
				"category":    c.Category,
			},
			Embedding: vectors[i],
		}
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("%w: adding documents: %v", ErrUnavailable, err)
	}

	s.logger.Info("controls ingested",
		zap.String("standard", standardID),
		zap.Int("count", len(controls)),
	)
	return nil
}

// Retrieve returns the top-k control excerpts matching the query, ordered by
// descending similarity. standardID filters to one standard; empty searches all.
func (s *ChromemStore) Retrieve(ctx context.Context, standardID, query string, topK int) ([]Excerpt, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	collection := s.db.GetCollection(s.config.Collection, s.embeddingFunc())
	if collection == nil {
		return nil, fmt.Errorf("%w: collection %s not found", ErrUnavailable, s.config.Collection)
	}

	// chromem requires nResults <= doc count
	docCount := collection.Count()
	if docCount == 0 {
		return []Excerpt{}, nil
	}
	if topK > docCount {
		topK = docCount
	}

	var where map[string]string
	if standardID != "" {
		where = map[string]string{"standard": standardID}
	}

	results, err := collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection: %v", ErrUnavailable, err)
	}

	excerpts := make([]Excerpt, len(results))
	for i, r := range results {
		excerpts[i] = Excerpt{
			ControlID:   r.Metadata["control_id"],
			Title:       r.Metadata["title"],
			Description: r.Metadata["description"],
			Category:    r.Metadata["category"],
			Standard:    r.Metadata["standard"],
			Score:       r.Similarity,
		}
	}

	s.logger.Debug("retrieved control excerpts",
		zap.String("standard", standardID),
		zap.Int("top_k", topK),
		zap.Int("results", len(excerpts)),
	)
	return excerpts, nil
}

// controlText is the text embedded and searched for a control.
func controlText(c Control) string {
	return fmt.Sprintf("%s: %s. %s", c.ID, c.Title, c.Description)
}
