// Package cli holds the essayocr command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "essayocr",
		Short: "Transcribe scanned essay answer sheets into the results spreadsheet",
		Long: `essayocr runs scanned answer-sheet PDFs through the same pipeline as the
essay-processor function: answer-grid cropping, OCR, optional AI restoration and
idempotent delivery to the results spreadsheet.

Configuration is read from the environment and from a .env file in the
working directory.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(NewProcessCmd())

	return cmd
}
