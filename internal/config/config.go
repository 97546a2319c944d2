// Package config provides configuration loading for secreq.
//
// Configuration is loaded from an optional YAML file, then overridden by
// environment variables. Defaults are applied after unmarshaling and the
// result is validated before any run starts.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates a configuration value that cannot be used.
// Configuration errors are fatal: they abort the run before any iteration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete secreq configuration.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	LLM          LLMConfig          `koanf:"llm"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Knowledge    KnowledgeConfig    `koanf:"knowledge"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`

	// RolesFile is an optional YAML file overriding the built-in agent
	// persona profiles. Its contents are passed through to the reasoning
	// service untouched.
	RolesFile string `koanf:"roles_file"`
}

// LoggingConfig holds logger construction settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// LLMConfig holds settings for the reasoning service client.
type LLMConfig struct {
	// BaseURL is an OpenAI-compatible chat completions endpoint.
	BaseURL string `koanf:"base_url"`

	// Model is the chat model name.
	Model string `koanf:"model"`

	// APIKey authenticates against the endpoint.
	APIKey Secret `koanf:"api_key"`

	// RequestsPerMinute bounds the client-side request rate.
	RequestsPerMinute float64 `koanf:"requests_per_minute"`

	// Burst is the rate limiter burst size.
	Burst int `koanf:"burst"`
}

// EmbeddingsConfig holds settings for the embedding client.
type EmbeddingsConfig struct {
	// BaseURL is an OpenAI-compatible embeddings endpoint (OpenAI or TEI).
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// APIKey authenticates against the endpoint. Optional for TEI.
	APIKey Secret `koanf:"api_key"`
}

// KnowledgeConfig holds settings for the standards knowledge store.
type KnowledgeConfig struct {
	// Provider selects the vector store backend: "chromem" (embedded,
	// default) or "qdrant".
	Provider string `koanf:"provider"`

	// TopK is the number of excerpts retrieved per stage query.
	TopK int `koanf:"top_k"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds settings for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`

	// Collection is the standards collection name.
	Collection string `koanf:"collection"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// QdrantConfig holds settings for the Qdrant gRPC store.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Collection string `koanf:"collection"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize int    `koanf:"vector_size"`
}

// OrchestratorConfig holds the control loop settings.
type OrchestratorConfig struct {
	// MaxIterations is the refinement budget. Must be positive.
	MaxIterations int `koanf:"max_iterations"`

	// PassThreshold is the aggregate score at or above which a draft is
	// accepted. Must be in [0,1].
	PassThreshold float64 `koanf:"pass_threshold"`

	// SubScoreWeights optionally weights the validation dimensions when
	// aggregating. Weights must be non-negative and sum to a positive value.
	SubScoreWeights map[string]float64 `koanf:"sub_score_weights"`

	// CallTimeout bounds every remote call made during an iteration.
	CallTimeout Duration `koanf:"call_timeout"`

	// CallRetries is the number of retries after a failed remote call.
	CallRetries int `koanf:"call_retries"`

	// StageConcurrency bounds concurrent stage executions per iteration.
	StageConcurrency int `koanf:"stage_concurrency"`
}

// applyDefaults sets default values for missing configuration fields. Fields
// where zero is a legal setting (pass_threshold, call_retries) are defaulted
// only when their key was never provided, checked through isSet.
func applyDefaults(cfg *Config, isSet func(key string) bool) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.RequestsPerMinute == 0 {
		cfg.LLM.RequestsPerMinute = 50
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 5
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Knowledge.Provider == "" {
		cfg.Knowledge.Provider = "chromem"
	}
	if cfg.Knowledge.TopK == 0 {
		cfg.Knowledge.TopK = 4
	}
	if cfg.Knowledge.Chromem.Path == "" {
		cfg.Knowledge.Chromem.Path = "~/.config/secreq/standards"
	}
	if cfg.Knowledge.Chromem.Collection == "" {
		cfg.Knowledge.Chromem.Collection = "security_standards"
	}
	if cfg.Knowledge.Qdrant.Host == "" {
		cfg.Knowledge.Qdrant.Host = "localhost"
	}
	if cfg.Knowledge.Qdrant.Port == 0 {
		cfg.Knowledge.Qdrant.Port = 6334
	}
	if cfg.Knowledge.Qdrant.Collection == "" {
		cfg.Knowledge.Qdrant.Collection = "security_standards"
	}
	if cfg.Knowledge.Qdrant.VectorSize == 0 {
		cfg.Knowledge.Qdrant.VectorSize = 384
	}

	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 3
	}
	if !isSet("orchestrator.pass_threshold") {
		cfg.Orchestrator.PassThreshold = 0.8
	}
	if cfg.Orchestrator.CallTimeout == 0 {
		cfg.Orchestrator.CallTimeout = Duration(120 * time.Second)
	}
	if !isSet("orchestrator.call_retries") {
		cfg.Orchestrator.CallRetries = 1
	}
	if cfg.Orchestrator.StageConcurrency == 0 {
		cfg.Orchestrator.StageConcurrency = 4
	}
}

// Validate checks the configuration for values that would make a run
// undefined. It fails fast, before any iteration starts.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}

	switch c.Knowledge.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("%w: knowledge provider must be chromem or qdrant, got %q", ErrInvalidConfig, c.Knowledge.Provider)
	}
	if c.Knowledge.TopK < 1 {
		return fmt.Errorf("%w: knowledge top_k must be positive, got %d", ErrInvalidConfig, c.Knowledge.TopK)
	}

	return c.Orchestrator.Validate()
}

// Validate checks the orchestrator settings.
func (c *OrchestratorConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be positive, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.PassThreshold < 0 || c.PassThreshold > 1 {
		return fmt.Errorf("%w: pass_threshold must be in [0,1], got %v", ErrInvalidConfig, c.PassThreshold)
	}
	if c.CallRetries < 0 {
		return fmt.Errorf("%w: call_retries cannot be negative, got %d", ErrInvalidConfig, c.CallRetries)
	}
	if c.StageConcurrency < 1 {
		return fmt.Errorf("%w: stage_concurrency must be positive, got %d", ErrInvalidConfig, c.StageConcurrency)
	}
	if c.SubScoreWeights != nil {
		var sum float64
		for name, w := range c.SubScoreWeights {
			if w < 0 {
				return fmt.Errorf("%w: sub_score_weights[%s] cannot be negative, got %v", ErrInvalidConfig, name, w)
			}
			sum += w
		}
		if sum <= 0 {
			return fmt.Errorf("%w: sub_score_weights must sum to a positive value", ErrInvalidConfig)
		}
	}
	return nil
}
