package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/clinical-rag-agent/internal/chunker"
	"github.com/bull/clinical-rag-agent/internal/config"
	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/embedding"
	"github.com/bull/clinical-rag-agent/internal/events"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/ingest"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/storage"
)

const defaultCatalogPath = "data/catalog.db"

var (
	scanCommit  bool
	scanCatalog string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report documents added, modified or removed since the last committed scan",
	Long: `Walks the patient and research directories and compares every file with the
persistent SQLite catalog (corpus.catalogPath, default data/catalog.db).

Without --commit the catalog is not touched, so running scan twice reports the
same changes. With --commit every reported change is recorded.`,
	RunE: runScan,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously index the corpus into the Qdrant mirror and the event stream",
	Long: `Runs the background indexing flow without serving queries: an initial full
sync, then a sync on every file change (when corpus.watch is set) and every
corpus.scanInterval.

Each pass is printed. Enable qdrant and/or kafka in the config to make the
result visible outside this process.`,
	RunE: runWatch,
}

func init() {
	scanCmd.Flags().BoolVar(&scanCommit, "commit", false, "record the reported changes in the catalog")
	scanCmd.Flags().StringVar(&scanCatalog, "catalog", "", "catalog file (overrides corpus.catalogPath)")
}

func corpusSources(cfg *config.Config) []docstore.Source {
	return []docstore.Source{
		{Kind: domain.KindPatient, Dir: cfg.Corpus.PatientDir},
		{Kind: domain.KindResearch, Dir: cfg.Corpus.ResearchDir},
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := loaded

	path := scanCatalog
	if path == "" {
		path = cfg.Corpus.CatalogPath
	}
	if path == "" {
		path = defaultCatalogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	catalog, err := docstore.OpenSQLiteCatalog(path)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer catalog.Close()

	store := docstore.New(corpusSources(cfg), cfg.Corpus.Extensions, catalog, logger.WithComponent("docstore"))
	res, err := store.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	fmt.Printf("Scanned %d files against %s\n", res.Scanned, path)
	if len(res.Events) == 0 {
		fmt.Println("No changes.")
	}
	for _, ev := range res.Events {
		fmt.Printf("  %-8s %s\n", ev.Op, ev.Document.ID)
	}
	if len(res.Failures) > 0 {
		fmt.Println()
		fmt.Println("Unreadable files:")
		for _, f := range res.Failures {
			fmt.Printf("  - %s: %s\n", f.Path, f.Reason)
		}
	}

	if !scanCommit || len(res.Events) == 0 {
		return nil
	}
	committed := 0
	for _, ev := range res.Events {
		if err := store.Commit(ctx, ev); err != nil {
			return fmt.Errorf("committing %s: %w", ev.Document.ID, err)
		}
		committed++
	}
	fmt.Printf("\nCommitted %d changes.\n", committed)
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg := loaded
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var opts []index.Option
	if cfg.Qdrant.Enabled {
		fmt.Printf("Connecting to Qdrant at %s:%d...\n", cfg.Qdrant.Host, cfg.Qdrant.Port)
		mirror, err := storage.NewQdrantMirror(ctx, storage.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Qdrant.Dimension,
		})
		if err != nil {
			return fmt.Errorf("connecting to qdrant: %w", err)
		}
		defer mirror.Close()
		if err := mirror.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("ensuring collection: %w", err)
		}
		opts = append(opts, index.WithMirror(mirror))
	}

	embClient, err := embedding.NewClient(embedding.ClientOptions{BaseURL: cfg.Embedding.BaseURL})
	if err != nil {
		return fmt.Errorf("creating embedding client: %w", err)
	}
	embedder := embedding.NewEmbedder(embClient, embedding.Config{
		Model:     cfg.Embedding.Model,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.Embedding.Timeout,
	}, nil, logger.WithComponent("embedding"))
	opts = append(opts, index.WithCache(embedding.NewCache(cfg.Embedding.CacheSize)), index.WithLogger(logger.WithComponent("index")))
	idx := index.New(index.Config{
		LexicalWeight: cfg.Index.LexicalWeight,
		VectorWeight:  cfg.Index.VectorWeight,
		CandidatePool: cfg.Index.CandidatePool,
		RRFK:          cfg.Index.RRFK,
		RRFWeight:     cfg.Index.RRFWeight,
	}, embedder, opts...)

	pipelineOpts := []ingest.Option{ingest.WithWorkers(cfg.Index.Workers)}
	if cfg.Kafka.Enabled {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.WithComponent("events"))
		defer pub.Close()
		pipelineOpts = append(pipelineOpts, ingest.WithPublisher(pub))
	}

	sources := corpusSources(cfg)
	store := docstore.New(sources, cfg.Corpus.Extensions, docstore.NewMemoryCatalog(), logger.WithComponent("docstore"))
	chunks := chunker.New(chunker.Config{Size: cfg.Chunker.Size, Overlap: cfg.Chunker.Overlap})
	pipeline := ingest.NewPipeline(store, chunks, idx, logger.WithComponent("ingest"), pipelineOpts...)

	if cfg.Corpus.Watch {
		watcher := docstore.NewWatcher(sources, 500*time.Millisecond, pipeline.Trigger, logger.WithComponent("docstore"))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "file watcher stopped: %v\n", err)
			}
		}()
	}

	go printPasses(ctx, pipeline)

	fmt.Printf("Watching %s and %s (Ctrl-C to stop)\n", cfg.Corpus.PatientDir, cfg.Corpus.ResearchDir)
	if err := pipeline.Run(ctx, cfg.Corpus.ScanInterval); err != nil && ctx.Err() == nil {
		return err
	}
	st := idx.Stats()
	fmt.Printf("\nStopped. %d documents, %d chunks, generation %d\n", st.Documents, st.Chunks, st.Generation)
	return nil
}

// printPasses prints every completed sync pass that changed something.
func printPasses(ctx context.Context, p *ingest.Pipeline) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last *ingest.SyncResult
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := p.Last()
			if res == nil || res == last {
				continue
			}
			last = res
			if res.Added+res.Modified+res.Removed+len(res.Failed) == 0 {
				continue
			}
			fmt.Printf("[%s] +%d ~%d -%d failed=%d generation=%d (%s)\n",
				res.Finished.Format(time.TimeOnly),
				res.Added, res.Modified, res.Removed, len(res.Failed),
				res.Generation, res.Duration.Round(time.Millisecond))
			for _, f := range res.Failed {
				fmt.Printf("    %s: %s\n", f.Path, f.Reason)
			}
		}
	}
}
