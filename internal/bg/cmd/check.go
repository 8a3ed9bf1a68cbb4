package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bg/internal/analysis"
	"bg/internal/archmap"
	"bg/internal/policy"
)

type checkResult struct {
	Image          string               `json:"image"`
	MinimumLevel   policy.Level         `json:"minimum_level"`
	RequiresKernel bool                 `json:"requires_kernel"`
	PureUserspace  bool                 `json:"pure_userspace"`
	Capabilities   archmap.Capabilities `json:"capabilities"`
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Report the least privileged policy level that approves each binary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []checkResult
			for _, path := range args {
				f, err := openBinary(cmd, path)
				if err != nil {
					return err
				}
				m, err := analysis.Inspect(f.Image)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				caps := m.Capabilities()
				results = append(results, checkResult{
					Image:          f.Name,
					MinimumLevel:   policy.InferMinimumLevel(m),
					RequiresKernel: caps.RequiresKernel(),
					PureUserspace:  caps.PureUserspace(),
					Capabilities:   caps,
				})
			}

			out := cmd.OutOrStdout()
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, r := range results {
				caps := capabilityNames(r.Capabilities)
				if len(caps) == 0 {
					caps = []string{"none"}
				}
				fmt.Fprintf(out, "%s: %s (%s)\n", r.Image, r.MinimumLevel, strings.Join(caps, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output results as JSON")
	return cmd
}
