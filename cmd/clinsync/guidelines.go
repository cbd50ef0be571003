package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/clinical-rag-agent/internal/guidelines"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/tools/patienthistory"
)

var guidelinesCmd = &cobra.Command{
	Use:   "guidelines",
	Short: "Manage the clinical guideline mirror",
}

var guidelinesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror markdown guidelines from GitHub into the research directory",
	Long: `Fetches every markdown file under guidelines.path of guidelines.owner/repo at
the head of guidelines.branch and writes it under <researchDir>/<guidelines.subdir>.

Files whose blob SHA is unchanged since the last sync are skipped, and files
removed upstream are deleted locally.`,
	RunE: runGuidelinesSync,
}

var importPatientsCmd = &cobra.Command{
	Use:   "import-patients CSV",
	Short: "Convert a Synthea patient CSV into one text record per patient",
	Long: `Reads columns id, name, gender, birthDate, conditions and medications and writes
<patientDir>/<id>.txt for each row. Existing records are left alone, so the
import can be repeated safely.`,
	Args: cobra.ExactArgs(1),
	RunE: runImportPatients,
}

func init() {
	guidelinesCmd.AddCommand(guidelinesSyncCmd)
}

func runGuidelinesSync(cmd *cobra.Command, _ []string) error {
	cfg := loaded
	if !cfg.Guidelines.Enabled() {
		return fmt.Errorf("guidelines.owner and guidelines.repo must be configured")
	}
	client, err := guidelines.NewClient(os.Getenv("GITHUB_TOKEN"))
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}
	dest := filepath.Join(cfg.Corpus.ResearchDir, cfg.Guidelines.Subdir)
	syncer, err := guidelines.NewSyncer(client, guidelines.Config{
		Owner:   cfg.Guidelines.Owner,
		Repo:    cfg.Guidelines.Repo,
		Path:    cfg.Guidelines.Path,
		Branch:  cfg.Guidelines.Branch,
		DestDir: dest,
	}, nil, logger.WithComponent("guidelines"))
	if err != nil {
		return err
	}

	fmt.Printf("Syncing %s/%s (%s) into %s...\n", cfg.Guidelines.Owner, cfg.Guidelines.Repo, cfg.Guidelines.Branch, dest)
	res, err := syncer.Sync(cmd.Context())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Sync complete!")
	fmt.Printf("  Documents: %d\n", res.Total)
	fmt.Printf("  Written: %d\n", len(res.Written))
	fmt.Printf("  Unchanged: %d\n", res.Unchanged)
	fmt.Printf("  Removed: %d\n", len(res.Removed))
	fmt.Printf("  Duration: %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("  Commit: %s\n", res.CommitSHA)

	if len(res.FailedDocs) > 0 {
		fmt.Println()
		fmt.Println("Failed documents:")
		for _, failed := range res.FailedDocs {
			fmt.Printf("  - %s: %s\n", failed.Path, failed.Reason)
		}
	}
	return nil
}

func runImportPatients(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	store := patienthistory.NewFileStore(loaded.Corpus.PatientDir)
	res, err := store.ImportCSV(cmd.Context(), f)
	if err != nil {
		return fmt.Errorf("import failed after %d record(s): %w", res.Written, err)
	}
	fmt.Printf("Imported %d patient record(s) into %s, skipped %d\n", res.Written, store.Dir(), res.Skipped)
	return nil
}
