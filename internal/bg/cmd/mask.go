package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bg/internal/analysis"
	"bg/internal/policy"
)

func newMaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask <file>",
		Short: "Derive the hardware capability mask of an approved binary",
		Long: `Mask analyses the binary, and if the policy approves it prints the ports
and interrupt vectors a host should grant it. --bitmap additionally writes a
TSS I/O permission bitmap (one bit per port, clear means permitted).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := resolvePolicy(cmd)
			if err != nil {
				return err
			}
			f, err := openBinary(cmd, args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			m, err := analysis.Inspect(f.Image)
			if err != nil {
				return err
			}
			v := policy.Evaluate(m, pol)
			mask, err := policy.CapabilityMask(m, v)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), v)
				return fmt.Errorf("%s: %w", f.Name, err)
			}

			if path, _ := cmd.Flags().GetString("bitmap"); path != "" {
				if err := os.WriteFile(path, mask.IOBitmap(), 0o644); err != nil {
					return fmt.Errorf("failed to write bitmap: %w", err)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mask)
		},
	}
	addPolicyFlags(cmd)
	cmd.Flags().String("bitmap", "", "Write the I/O permission bitmap to this file")
	return cmd
}
