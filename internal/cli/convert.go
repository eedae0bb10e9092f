package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docuflow/docuflow/internal/batch"
	"github.com/docuflow/docuflow/internal/models"
)

var (
	convertTarget   string
	convertQuality  string
	convertCompress bool

	ocrLanguage    string
	ocrTables      bool
	ocrHandwriting bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <file>...",
	Short: "Convert files to a target format",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertTarget == "" {
			return fmt.Errorf("--to is required")
		}
		run, err := coreCoordinator.SubmitBatch(cmd.Context(), sourcesFromArgs(args), convertTarget, models.Options{
			Quality:  convertQuality,
			Compress: convertCompress,
		})
		if err != nil {
			return err
		}
		return waitAndReport(cmd, run)
	},
}

var ocrCmd = &cobra.Command{
	Use:   "ocr <file>...",
	Short: "Run OCR text extraction on files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := coreCoordinator.SubmitOCRBatch(cmd.Context(), sourcesFromArgs(args), models.Options{
			OCRLanguage:       ocrLanguage,
			DetectTables:      ocrTables,
			DetectHandwriting: ocrHandwriting,
		})
		if err != nil {
			return err
		}
		return waitAndReport(cmd, run)
	},
}

func sourcesFromArgs(args []string) []batch.Source {
	sources := make([]batch.Source, 0, len(args))
	for _, arg := range args {
		sources = append(sources, batch.Source{
			Name:   filepath.Base(arg),
			Format: strings.TrimPrefix(filepath.Ext(arg), "."),
		})
	}
	return sources
}

func waitAndReport(cmd *cobra.Command, run *batch.Run) error {
	if err := run.Wait(cmd.Context()); err != nil {
		return err
	}
	summary, err := run.Summary(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s: %d completed, %d failed\n", summary.BatchID, summary.Completed, summary.Failed)
	for _, item := range summary.Items {
		switch item.Status {
		case models.StatusCompleted:
			fmt.Printf("  ✓ %s\n", item.SourceName)
		case models.StatusFailed:
			fmt.Printf("  ✗ %s (%s)\n", item.SourceName, item.FailureReason)
		default:
			fmt.Printf("  … %s (%s)\n", item.SourceName, item.Status)
		}
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", summary.Failed, summary.Total)
	}
	return nil
}

func init() {
	convertCmd.Flags().StringVar(&convertTarget, "to", "", "target format (e.g. pdf)")
	convertCmd.Flags().StringVar(&convertQuality, "quality", "", "quality level: low, standard, high")
	convertCmd.Flags().BoolVar(&convertCompress, "compress", false, "compress the output")

	ocrCmd.Flags().StringVar(&ocrLanguage, "language", "", "document language hint")
	ocrCmd.Flags().BoolVar(&ocrTables, "tables", false, "detect and reconstruct tables")
	ocrCmd.Flags().BoolVar(&ocrHandwriting, "handwriting", false, "include handwritten text")
}
