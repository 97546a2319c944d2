package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/agent"
	"github.com/fyrsmithlabs/secreq/internal/artifact"
	"github.com/fyrsmithlabs/secreq/internal/config"
	"github.com/fyrsmithlabs/secreq/internal/knowledge"
	"github.com/fyrsmithlabs/secreq/internal/orchestrator"
	"github.com/fyrsmithlabs/secreq/internal/stage"
	"github.com/fyrsmithlabs/secreq/internal/validator"
)

var outputDir string

func init() {
	generateCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "directory for the generated documents")
}

// generateCmd runs the full generate/validate/refine loop for one document.
var generateCmd = &cobra.Command{
	Use:   "generate [file]",
	Short: "Generate a security requirements document",
	Long: `Generate a security requirements document from a product requirements file.

The input is read as opaque UTF-8 text; no structure is assumed. Two files are
written to the output directory: security_requirements.json (machine-readable)
and security_requirements.md (human-readable summary).

A draft that never reaches the pass threshold is still written, marked as
exhausted in its metadata.

Examples:
  # Generate from a file
  secreq generate requirements.txt

  # Generate from stdin into a target directory
  cat requirements.txt | secreq generate - -o ./out`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	text, err := readRequirements(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller, err := buildController(cfg, logger)
	if err != nil {
		return err
	}

	doc := orchestrator.RequirementsDocument{ID: uuid.NewString(), Text: text}
	logger.Info("starting run", zap.String("run_id", doc.ID), zap.Int("input_bytes", len(text)))

	result, err := controller.Run(ctx, doc)
	if err != nil {
		return fmt.Errorf("run %s: %w", doc.ID, err)
	}

	a := artifact.Build(doc, result)
	if err := writeArtifact(a); err != nil {
		return err
	}

	cmd.Printf("Run %s finished: %s (score %.2f, %d iteration(s))\n",
		doc.ID, result.State, a.Metadata.ValidationScore, a.Metadata.Iterations)
	cmd.Printf("Wrote %s and %s\n",
		filepath.Join(outputDir, "security_requirements.json"),
		filepath.Join(outputDir, "security_requirements.md"))
	if !a.Metadata.ValidationPassed {
		fmt.Fprintln(os.Stderr, "[secreq] iteration budget exhausted; the document did not reach the pass threshold")
	}
	return nil
}

// readRequirements reads the input document from a file or stdin. The content
// is treated as opaque text and never parsed.
func readRequirements(arg string) (string, error) {
	var content []byte
	var err error
	if arg == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(arg)
		if err != nil {
			return "", fmt.Errorf("read requirements file: %w", err)
		}
	}
	if len(content) == 0 {
		return "", fmt.Errorf("requirements input is empty")
	}
	if !utf8.Valid(content) {
		return "", fmt.Errorf("requirements input is not valid UTF-8")
	}
	return string(content), nil
}

// buildController wires the knowledge store, agent client, stages, and
// validator into an orchestration controller.
func buildController(cfg *config.Config, logger *zap.Logger) (*orchestrator.Controller, error) {
	embedder, err := knowledge.NewOpenAIEmbedder(
		cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.APIKey.Value())
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	store, err := newStore(cfg, embedder, logger)
	if err != nil {
		return nil, err
	}

	profiles, err := agent.LoadProfiles(cfg.RolesFile)
	if err != nil {
		return nil, fmt.Errorf("load role profiles: %w", err)
	}

	client, err := agent.NewClient(agent.ClientConfig{
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey.Value(),
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		Burst:             cfg.LLM.Burst,
	}, profiles, logger)
	if err != nil {
		return nil, fmt.Errorf("init agent client: %w", err)
	}

	stages := stage.All(stage.Deps{
		Invoker:   client,
		Retriever: store,
		TopK:      cfg.Knowledge.TopK,
		Logger:    logger,
	})

	v, err := validator.New(client, validator.Config{
		PassThreshold: cfg.Orchestrator.PassThreshold,
		Weights:       cfg.Orchestrator.SubScoreWeights,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}

	return orchestrator.New(stages, v, orchestrator.Config{
		MaxIterations:    cfg.Orchestrator.MaxIterations,
		CallTimeout:      time.Duration(cfg.Orchestrator.CallTimeout),
		CallRetries:      cfg.Orchestrator.CallRetries,
		StageConcurrency: cfg.Orchestrator.StageConcurrency,
	}, logger)
}

// newStore builds the configured knowledge store backend.
func newStore(cfg *config.Config, embedder knowledge.Embedder, logger *zap.Logger) (knowledge.Store, error) {
	store, err := knowledge.NewStore(
		cfg.Knowledge.Provider,
		knowledge.ChromemConfig{
			Path:       cfg.Knowledge.Chromem.Path,
			Collection: cfg.Knowledge.Chromem.Collection,
			Compress:   cfg.Knowledge.Chromem.Compress,
		},
		knowledge.QdrantConfig{
			Host:       cfg.Knowledge.Qdrant.Host,
			Port:       cfg.Knowledge.Qdrant.Port,
			Collection: cfg.Knowledge.Qdrant.Collection,
			UseTLS:     cfg.Knowledge.Qdrant.UseTLS,
			VectorSize: cfg.Knowledge.Qdrant.VectorSize,
		},
		embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("init knowledge store: %w", err)
	}
	return store, nil
}

// writeArtifact writes both derived views of the run result.
func writeArtifact(a *artifact.Artifact) error {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	jsonPath := filepath.Join(outputDir, "security_requirements.json")
	jf, err := os.Create(jsonPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", jsonPath, err)
	}
	defer jf.Close()
	if err := a.EncodeJSON(jf); err != nil {
		return err
	}

	mdPath := filepath.Join(outputDir, "security_requirements.md")
	mf, err := os.Create(mdPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", mdPath, err)
	}
	defer mf.Close()
	return a.WriteMarkdown(mf)
}
