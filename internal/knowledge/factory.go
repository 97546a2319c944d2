package knowledge

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a Store for the configured provider.
// Supported providers: "chromem" (embedded, default) and "qdrant".
func NewStore(provider string, chromemCfg ChromemConfig, qdrantCfg QdrantConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch provider {
	case "", "chromem":
		return NewChromemStore(chromemCfg, embedder, logger)
	case "qdrant":
		return NewQdrantStore(qdrantCfg, embedder, logger)
	default:
		return nil, fmt.Errorf("unknown knowledge provider: %q", provider)
	}
}
