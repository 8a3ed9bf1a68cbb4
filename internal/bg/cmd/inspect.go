package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bg/internal/analysis"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the architecture map of a binary, or its disassembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openBinary(cmd, args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			if showListing, _ := cmd.Flags().GetBool("listing"); showListing {
				return writeListing(out, f)
			}

			chunks, _ := cmd.Flags().GetInt("chunks")
			a := &analysis.Analyzer{Chunks: chunks}
			m, err := a.Inspect(cmd.Context(), f.Image)
			if err != nil {
				return err
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(m); err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				return nil
			}
			fmt.Fprintln(out, f.Image)
			fmt.Fprintln(out, m)
			return nil
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output the map as JSON")
	cmd.Flags().BoolP("listing", "l", false, "Print an annotated Intel-syntax disassembly instead")
	cmd.Flags().Int("chunks", 1, "Fold the map in this many parallel chunks")
	return cmd
}
