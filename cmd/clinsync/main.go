// Package main provides the clinsync CLI for maintaining the clinical corpus:
// change detection, continuous indexing, research fetching, guideline
// mirroring and patient import.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "clinsync",
	Short: "Clinical corpus maintenance tool",
	Long: `CLI tool for keeping the patient and research directories, and the index built
from them, up to date.

Environment variables:
  OPENAI_API_KEY   OpenAI API key for embeddings (watch only)
  GITHUB_TOKEN     GitHub token for higher rate limits (guidelines only, optional)
  CDS_*            configuration overrides, see internal/config`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Progress goes to stdout; logs go to stderr.
		slog.SetDefault(logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
		loaded = cfg
		return nil
	},
}

// loaded is the configuration read by the root command's pre-run hook.
var loaded *config.Config

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(fetchResearchCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(guidelinesCmd)
	rootCmd.AddCommand(importPatientsCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
