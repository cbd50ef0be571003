package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/tools/research"
)

var pruneOlderThan time.Duration

var fetchResearchCmd = &cobra.Command{
	Use:   "fetch-research CONDITION [CONDITION...]",
	Short: "Fetch research paper abstracts for conditions into the research directory",
	Long: `Searches Semantic Scholar for each condition, first for treatments and then for
the bare condition, and writes every paper with an abstract under
<researchDir>/fetched. A running server picks the files up on its next scan.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetchResearch,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete fetched papers that were not refreshed recently",
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "age threshold (default tools.research.retention)")
}

func newFetcher(cfg *config.Config) *research.Fetcher {
	rcfg := cfg.Tools.Research
	client := research.NewClient(research.ClientConfig{
		BaseURL:        rcfg.BaseURL,
		APIKey:         rcfg.APIKey,
		Limit:          rcfg.Limit,
		RequestsPerSec: rcfg.RequestsPerSec,
	})
	// No index in this process, so nothing to wait for.
	return research.NewFetcher(client, nil, nil, research.FetcherConfig{
		ResearchDir: cfg.Corpus.ResearchDir,
	}, nil, logger.WithComponent("research"))
}

func runFetchResearch(cmd *cobra.Command, args []string) error {
	fetcher := newFetcher(loaded)

	fmt.Printf("Searching papers for %d condition(s)...\n", len(args))
	res, err := fetcher.FetchConditions(cmd.Context(), args)
	if err != nil && (res == nil || len(res.Papers) == 0) {
		return fmt.Errorf("fetch failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Wrote %d paper(s):\n", len(res.Papers))
	for _, p := range res.Papers {
		fmt.Printf("  %s  %s\n", p.DocumentID, truncate(p.Title, 70))
	}
	if len(res.Missing) > 0 {
		fmt.Println()
		fmt.Printf("No usable papers for: %s\n", strings.Join(res.Missing, ", "))
	}
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	olderThan := pruneOlderThan
	if olderThan <= 0 {
		olderThan = loaded.Tools.Research.Retention
	}
	if olderThan <= 0 {
		return fmt.Errorf("no retention configured; pass --older-than")
	}
	n, err := newFetcher(loaded).Prune(cmd.Context(), olderThan)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Printf("Removed %d fetched paper(s) older than %s\n", n, olderThan)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
