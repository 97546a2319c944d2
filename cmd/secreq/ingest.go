package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/knowledge"
)

var ingestStandard string

func init() {
	ingestCmd.Flags().StringVar(&ingestStandard, "standard", "",
		"standard identifier (owasp_asvs, nist_800_53, iso_27001)")
	_ = ingestCmd.MarkFlagRequired("standard")
}

// ingestCmd loads a standards corpus file into the knowledge store.
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a standards corpus into the knowledge store",
	Long: `Ingest control excerpts from a JSON corpus file into the knowledge store.

The corpus is either a bare array of controls or an object with a "controls"
field. Each control carries an id, title, description, and category. Controls
are embedded and stored under the given standard identifier.

Examples:
  # Ingest the OWASP ASVS corpus
  secreq ingest --standard owasp_asvs asvs.json

  # Ingest into a Qdrant-backed store
  SECREQ_KNOWLEDGE_PROVIDER=qdrant secreq ingest --standard nist_800_53 nist.json`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	switch ingestStandard {
	case knowledge.StandardOWASPASVS, knowledge.StandardNIST80053, knowledge.StandardISO27001:
	default:
		return fmt.Errorf("unknown standard %q", ingestStandard)
	}

	embedder, err := knowledge.NewOpenAIEmbedder(
		cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.APIKey.Value())
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	store, err := newStore(cfg, embedder, logger)
	if err != nil {
		return err
	}

	count, err := knowledge.Ingest(cmd.Context(), store, ingestStandard, args[0])
	if err != nil {
		return fmt.Errorf("ingest %s: %w", args[0], err)
	}

	logger.Info("corpus ingested",
		zap.String("standard", ingestStandard),
		zap.Int("controls", count),
	)
	cmd.Printf("Ingested %d control(s) into %s\n", count, ingestStandard)
	return nil
}
