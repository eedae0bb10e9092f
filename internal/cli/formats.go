package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docuflow/docuflow/internal/format"
)

var formatsCmd = &cobra.Command{
	Use:   "formats [source]",
	Short: "Show supported conversion formats",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			source := args[0]
			targets := coreGraph.TargetsFor(source)
			if len(targets) == 0 {
				return fmt.Errorf("no conversions defined for %q", source)
			}
			fmt.Printf("%s → %s\n", source, strings.Join(targets, ", "))
			if format.CanOCR(source) {
				fmt.Println("OCR: supported")
			}
			return nil
		}

		for _, src := range coreGraph.Sources() {
			fmt.Printf("%-6s → %s\n", src, strings.Join(coreGraph.TargetsFor(src), ", "))
		}
		return nil
	},
}
