package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// QdrantConfig holds configuration for the Qdrant gRPC store.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334 by default, not the HTTP port).
	Port int

	// Collection is the standards collection name.
	Collection string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// VectorSize is the embedding dimension used when the collection is
	// created. Must match the embedder's output dimension.
	VectorSize int

	// MaxMessageSize is the gRPC message size limit in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "security_standards"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// QdrantStore implements Store using Qdrant over gRPC, for deployments where
// the standards corpus is shared between machines.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantStore creates a QdrantStore with the given configuration.
func NewQdrantStore(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", ErrUnavailable, err)
	}

	logger.Info("standards store initialized",
		zap.String("provider", "qdrant"),
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)

	return &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// ensureCollection creates the standards collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %v", ErrUnavailable, err)
	}
	return nil
}

// AddControls upserts controls for the given standard.
func (s *QdrantStore) AddControls(ctx context.Context, standardID string, controls []Control) error {
	if standardID == "" {
		return fmt.Errorf("standard ID required")
	}
	if len(controls) == 0 {
		return fmt.Errorf("controls cannot be empty")
	}

	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	texts := make([]string, len(controls))
	for i, c := range controls {
		texts[i] = controlText(c)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embedding controls: %v", ErrUnavailable, err)
	}

	points := make([]*qdrant.PointStruct, len(controls))
	for i, c := range controls {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"standard":    standardID,
				"control_id":  c.ID,
				"title":       c.Title,
				"description": c.Description,
				"category":    c.Category,
			}),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %v", ErrUnavailable, err)
	}

	s.logger.Info("controls ingested",
		zap.String("standard", standardID),
		zap.Int("count", len(controls)),
	)
	return nil
}

// Retrieve returns the top-k control excerpts matching the query, ordered by
// descending similarity. standardID filters to one standard; empty searches all.
func (s *QdrantStore) Retrieve(ctx context.Context, standardID, query string, topK int) ([]Excerpt, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", ErrUnavailable, err)
	}

	var filter *qdrant.Filter
	if standardID != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("standard", standardID),
			},
		}
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         filter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying collection: %v", ErrUnavailable, err)
	}

	excerpts := make([]Excerpt, len(points))
	for i, p := range points {
		e := Excerpt{Score: p.Score}
		for key, v := range p.Payload {
			sv, ok := v.Kind.(*qdrant.Value_StringValue)
			if !ok {
				continue
			}
			switch key {
			case "standard":
				e.Standard = sv.StringValue
			case "control_id":
				e.ControlID = sv.StringValue
			case "title":
				e.Title = sv.StringValue
			case "description":
				e.Description = sv.StringValue
			case "category":
				e.Category = sv.StringValue
			}
		}
		excerpts[i] = e
	}

	s.logger.Debug("retrieved control excerpts",
		zap.String("standard", standardID),
		zap.Int("top_k", topK),
		zap.Int("results", len(excerpts)),
	)
	return excerpts, nil
}
