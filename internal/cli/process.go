package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/yoohyeon14/essay-ocr-system/internal/models"
	"github.com/yoohyeon14/essay-ocr-system/internal/services"
)

type processOptions struct {
	lesson     int
	documentID string
	dryRun     bool
	workers    int
	out        string
	verbose    bool
}

// NewProcessCmd creates the process command for one local PDF.
func NewProcessCmd() *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process <file.pdf>",
		Short: "Process one scanned PDF",
		Long: `Process rasterizes every page of the PDF, crops the answer grid, transcribes it
and appends one row per page to the results sheet. Pages already present in the
sheet are skipped, so a file can be re-run safely after a partial failure.`,
		Example: `  # Lesson 3 answers, rows written to GOOGLE_SPREADSHEET_ID
  essayocr process scans/class-a.pdf --lesson 3

  # Try the pipeline without touching the sheet
  essayocr process scans/class-a.pdf --lesson 3 --dry-run --out outcome.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr(), opts.verbose)
			return runProcess(cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.lesson, "lesson", 0, "Lesson number (0 reads it from the sheet header)")
	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "Stable document id (defaults to the file's content hash)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Keep rows in memory instead of writing the spreadsheet")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent pages (defaults to WORKER_LIMIT)")
	cmd.Flags().StringVar(&opts.out, "out", "", "Write the batch outcome as JSON to this file")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Verbose logging")

	return cmd
}

func runProcess(cmd *cobra.Command, path string, opts processOptions) error {
	if opts.lesson < 0 || opts.workers < 0 {
		return fmt.Errorf("--lesson and --workers must not be negative")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	config, err := services.LoadConfig()
	if err != nil {
		return err
	}
	if opts.workers > 0 {
		config.Workers = opts.workers
	}

	ctx := cmd.Context()
	pl, err := services.BuildPipeline(ctx, config, services.BuildOptions{DryRun: opts.dryRun})
	if err != nil {
		return err
	}
	defer pl.Close()

	outcome, err := pl.ProcessDocument(ctx, models.DocumentInput{
		Source:     filepath.Base(path),
		DocumentID: opts.documentID,
		Data:       data,
		Lesson:     opts.lesson,
	})
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), outcome)
	if opts.out != "" {
		if err := writeOutcome(opts.out, outcome); err != nil {
			return err
		}
	}
	if outcome.Failed > 0 {
		return fmt.Errorf("%d of %d pages failed", outcome.Failed, outcome.PageCount)
	}
	return nil
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func printSummary(w io.Writer, o *models.BatchOutcome) {
	fmt.Fprintf(w, "document  %s (%s)\n", o.DocumentID, o.IdentitySource)
	fmt.Fprintf(w, "pages     %d\n", o.PageCount)
	fmt.Fprintf(w, "delivered %d (%d partial, %d already present)\n",
		o.Succeeded+o.PartiallySucceeded, o.PartiallySucceeded, o.AlreadyDelivered)
	fmt.Fprintf(w, "failed    %d\n", o.Failed)
	if o.Cancelled > 0 {
		fmt.Fprintf(w, "cancelled %d\n", o.Cancelled)
	}
	for _, f := range o.Failures {
		fmt.Fprintf(w, "  page %d: %s at %s: %s\n", f.PageIndex, f.Kind, f.Stage, f.Reason)
	}
}

func writeOutcome(path string, o *models.BatchOutcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
