package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bg/internal/analysis"
	"bg/internal/cache"
	"bg/internal/logging"
	"bg/internal/policy"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <file>...",
		Short: "Map the capabilities of binaries and evaluate them against a policy",
		Long: `Analyze decodes every executable section of each file, builds its
architecture map and evaluates it against the selected policy. Maps are cached
in the data directory, keyed by the file's code and section layout.`,
		Example: `
# Markdown report under the service policy
bg analyze --policy service ./daemon

# JSON for several files at once
bg analyze --json ./bin/*
  `,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pol, err := resolvePolicy(cmd)
			if err != nil {
				return err
			}
			reports, err := analyzeFiles(cmd, args, pol)
			if err != nil {
				return err
			}

			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				return nil
			}
			return printMarkdown(cmd, markdown(reports))
		},
	}
	addPolicyFlags(cmd)
	cmd.Flags().BoolP("json", "j", false, "Output results as JSON")
	cmd.Flags().IntP("jobs", "J", runtime.NumCPU(), "Number of files analyzed concurrently")
	addAnalyzerFlags(cmd)
	return cmd
}

func addAnalyzerFlags(cmd *cobra.Command) {
	cmd.Flags().Int("chunks", 1, "Fold each file's map in this many parallel chunks")
	cmd.Flags().Bool("no-cache", false, "Neither read nor write the map cache")
}

// newAnalyzer builds the analyzer selected by the --chunks and
// --no-cache flags. The cache lives under the data directory.
func newAnalyzer(cmd *cobra.Command) (*analysis.Analyzer, error) {
	a := &analysis.Analyzer{}
	a.Chunks, _ = cmd.Flags().GetInt("chunks")
	if noCache, _ := cmd.Flags().GetBool("no-cache"); !noCache {
		dir, err := dataDir(cmd)
		if err != nil {
			return nil, err
		}
		a.Cache = cache.New(filepath.Join(dir, "maps"))
	}
	return a, nil
}

// analyzeFiles loads and analyses paths concurrently. Reports keep the
// order of paths; the first failure cancels the rest.
func analyzeFiles(cmd *cobra.Command, paths []string, pol *policy.Policy) ([]report, error) {
	a, err := newAnalyzer(cmd)
	if err != nil {
		return nil, err
	}
	jobs, _ := cmd.Flags().GetInt("jobs")

	lg := logging.NewLogger()
	defer lg.Close()

	reports := make([]report, len(paths))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			f, err := openBinary(cmd, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			defer f.Close()

			res, err := a.Analyze(ctx, f.Image, pol)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			reports[i] = newReport(path, f.Image, res)
			lg.Debug("Analyzed", "file", path, "verdict", res.Verdict.Decision(), "minimum", res.MinimumLevel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
