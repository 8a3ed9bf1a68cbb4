package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bg/internal/analysis"
	"bg/internal/bg/styles"
	"bg/internal/logging"
	"bg/internal/policy"
	"bg/internal/ui/colorize"
)

func newGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate <file>",
		Short: "Approve or deny a binary before it is loaded",
		Long: `Gate is the pre-load check: it prints the verdict of the binary under the
policy and exits with status 0 on approve and 2 on deny.`,
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

			v, err := analysis.Gate(f.Image, pol)
			if err != nil {
				return err
			}

			lg := logging.NewLogger()
			defer lg.Close()
			if v.Approved() {
				lg.Debug("Approved", "image", f.Name, "policy", pol.Name)
			} else {
				lg.Warn("Denied", "image", f.Name, "policy", pol.Name, "violations", len(v.Violations))
			}

			out := cmd.OutOrStdout()
			jsonOutput, _ := cmd.Flags().GetBool("json")
			quiet, _ := cmd.Flags().GetBool("quiet")
			switch {
			case jsonOutput:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(v); err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
			case quiet:
			case colorize.Disabled():
				fmt.Fprintf(out, "%s: %s\n", f.Name, v)
			default:
				fmt.Fprintf(out, "%s %s under %s\n", styles.Badge(v.Decision(), v.Approved()), styles.Name.Render(f.Name), styles.Muted.Render(pol.Name))
				for _, x := range v.Violations {
					fmt.Fprintf(out, "  %s\n", styles.Violation.Render(x.String()))
				}
			}
			if !v.Approved() {
				return fmt.Errorf("%s: %w", f.Name, policy.ErrDenied)
			}
			return nil
		},
	}
	addPolicyFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Output the verdict as JSON")
	cmd.Flags().BoolP("quiet", "q", false, "Only set the exit status")
	return cmd
}
