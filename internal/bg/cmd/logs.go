package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"bg/internal/logging"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the bg log",
		Long: `Logs prints the end of the bg log: BG_LOG_FILE when set, otherwise the
newest bg-<timestamp>.log written with BG_LOG_TO_FILE=1 in the working directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				path = os.Getenv("BG_LOG_FILE")
			}
			if path == "" {
				cwd, err := ResolveCwd(cmd)
				if err != nil {
					return err
				}
				if path, err = logging.LatestFile(cwd); err != nil {
					return err
				}
			}
			follow, _ := cmd.Flags().GetBool("follow")
			lines, _ := cmd.Flags().GetInt("tail")

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read log file: %w", err)
			}
			t, err := tail.TailFile(path, tail.Config{
				Follow:   follow,
				ReOpen:   follow,
				Logger:   tail.DiscardingLogger,
				Location: &tail.SeekInfo{Offset: lastLines(data, lines), Whence: io.SeekStart},
			})
			if err != nil {
				return fmt.Errorf("failed to tail log file: %w", err)
			}
			defer t.Cleanup()
			defer t.Stop()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return nil
					}
					if line.Err != nil {
						return fmt.Errorf("failed to read log file: %w", line.Err)
					}
					fmt.Fprintln(out, line.Text)
				}
			}
		},
	}
	cmd.Flags().StringP("file", "f", "", "Log file to read")
	cmd.Flags().BoolP("follow", "F", false, "Keep printing lines as they are written")
	cmd.Flags().IntP("tail", "t", 100, "Number of lines to print from the end, 0 for all")
	return cmd
}

// lastLines returns the offset of the n-th line from the end of data.
func lastLines(data []byte, n int) int64 {
	if n <= 0 {
		return 0
	}
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
	}
	for ; n > 0; n-- {
		i := bytes.LastIndexByte(data[:end], '\n')
		if i < 0 {
			return 0
		}
		end = i
	}
	return int64(end + 1)
}
