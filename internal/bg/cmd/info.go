package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bg/internal/archmap"
	"bg/internal/cache"
	"bg/internal/image"
	"bg/internal/loader"
)

type infoResult struct {
	Image     string            `json:"image"`
	Format    image.Format      `json:"format"`
	Size      int               `json:"size"`
	Entry     uint64            `json:"entry"`
	Key       string            `json:"key"`
	Sections  []image.Section   `json:"sections"`
	Integrity image.Integrity   `json:"integrity"`
	Imports   archmap.ImportMap `json:"imports"`
	Symbols   []loader.Symbol   `json:"symbols,omitempty"`
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show the sections and symbols bg sees in a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openBinary(cmd, args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			filter, _ := cmd.Flags().GetString("filter")
			res := infoResult{
				Image:     f.Name,
				Format:    f.Format,
				Size:      len(f.Data),
				Entry:     f.Entry,
				Key:       cache.Key(f.Image),
				Sections:  f.Sections,
				Integrity: f.Integrity(),
				Imports:   archmap.NewImportMap(f.Image),
			}
			for _, s := range f.Symbols {
				if filter == "" || strings.Contains(s.Demangled(), filter) {
					res.Symbols = append(res.Symbols, s)
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			fmt.Fprintln(out, f.Image)
			fmt.Fprintf(out, "entry %#x\nkey %s\n", res.Entry, res.Key)
			for _, p := range res.Integrity.Problems() {
				fmt.Fprintf(out, "warning: %s\n", p)
			}
			if ip := res.Imports; ip.Imports > 0 || len(ip.Exports) > 0 {
				fmt.Fprintf(out, "imports %d exports %d\n", ip.Imports, len(ip.Exports))
				for _, c := range archmap.CategoryOrder() {
					if names := ip.Categories[c]; len(names) > 0 {
						fmt.Fprintf(out, "  %-10s %s\n", c, strings.Join(names, " "))
					}
				}
			}
			if len(res.Symbols) > 0 {
				fmt.Fprintf(out, "symbols (%d)\n", len(res.Symbols))
			}
			for _, s := range res.Symbols {
				kind := "static"
				if s.Dynamic {
					kind = "dynamic"
				}
				fmt.Fprintf(out, "  %016x  %-7s %s\n", s.Addr, kind, s.Demangled())
			}
			return nil
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	cmd.Flags().StringP("filter", "f", "", "Only list symbols whose demangled name contains this text")
	return cmd
}
