// Package main implements the secreq CLI for generating standards-aligned
// security requirements from product requirements documents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/secreq/internal/config"
	"github.com/fyrsmithlabs/secreq/internal/logging"
)

var (
	// configPath is an optional YAML config file; env vars override it
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "secreq",
	Short: "Generate standards-aligned security requirements from product requirements",
	Long: `secreq turns a free-text product requirements document into a security
requirements document aligned with OWASP ASVS, NIST 800-53, and ISO 27001.

Drafts are generated by staged reasoning over the requirements, scored by a
validator, and refined in a bounded loop until they pass or the iteration
budget runs out.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (SECREQ_* env vars override)")
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(ingestCmd)
}

// setup loads configuration and builds the logger shared by all commands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, logger, nil
}
