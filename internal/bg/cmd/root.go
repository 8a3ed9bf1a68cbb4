package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"bg/internal/bg/log"
	"bg/internal/loader"
	"bg/internal/logging"
	"bg/internal/policy"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bg",
		Short: "Static capability analyzer for x86-64 binaries",
		Long: `BG (Binary Guardian) decodes every executable byte of a binary, builds an
architecture map of the instructions, I/O ports, interrupts, memory writes and
control flow it uses, and approves or denies it against a security policy
before it is ever run.`,
		Example: `
# Analyze a binary under the default user policy
bg analyze ./a.out

# Gate a driver before loading it (exit status 2 on deny)
bg gate --policy driver --allow-port 0x3f8 ./serial.bin

# Show the least privileged level that would approve a binary
bg check ./a.out

# Browse the report, symbols and disassembly interactively
bg view ./a.out
  `,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ResolveCwd(cmd); err != nil {
				return err
			}
			debug, _ := cmd.Flags().GetBool("debug")
			debug = debug || logging.IsDebug()
			log.Setup(os.Getenv("BG_LOG_FILE"), debug)

			noTUI, _ := cmd.Flags().GetBool("no-tui")
			if noTUI || !term.IsTerminal(os.Stdout.Fd()) {
				os.Setenv("BG_NO_COLOR", "1")
			}
			return nil
		},
	}

	root.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	root.PersistentFlags().StringP("data-dir", "D", "", "Custom bg data directory (analysis cache)")
	root.PersistentFlags().BoolP("debug", "d", false, "Debug")
	root.PersistentFlags().BoolP("no-tui", "n", false, "Plain output without colors or markdown rendering")
	root.PersistentFlags().String("format", "", "Force the binary format: elf, pe or raw")
	root.PersistentFlags().String("base", "0", "Load address of raw binaries")

	root.AddCommand(
		newAnalyzeCmd(),
		newGateCmd(),
		newCheckCmd(),
		newInspectCmd(),
		newInfoCmd(),
		newMaskCmd(),
		newSchemaCmd(),
		newViewCmd(),
		newLogsCmd(),
	)
	return root
}

func Execute() {
	// Check if --no-tui is present, or if output is being piped, to
	// bypass fang's markdown rendering
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" {
			noTUI = true
			break
		}
	}
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	root := newRootCmd()
	var err error
	if noTUI {
		err = root.Execute()
	} else {
		err = fang.Execute(
			context.Background(),
			root,
			fang.WithNotifySignal(os.Interrupt),
		)
	}
	switch {
	case errors.Is(err, policy.ErrDenied):
		os.Exit(2)
	case err != nil:
		os.Exit(1)
	}
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %w", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return cwd, nil
}

// dataDir is --data-dir, then BG_DATA_DIR, then the user cache dir.
func dataDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("BG_DATA_DIR"); dir != "" {
		return dir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache directory: %w", err)
	}
	return filepath.Join(dir, "bg"), nil
}

// openBinary loads path with the --format and --base flags.
func openBinary(cmd *cobra.Command, path string) (*loader.File, error) {
	format, _ := cmd.Flags().GetString("format")
	baseStr, _ := cmd.Flags().GetString("base")
	base, err := strconv.ParseUint(baseStr, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --base %q: %w", baseStr, err)
	}
	f, err := loader.Open(path, loader.Options{Format: format, Base: base})
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	return f, nil
}
