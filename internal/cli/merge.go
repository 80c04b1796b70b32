package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synckv/synckv/internal/mergetool"
)

// MergeOptions holds flags for the merge command.
type MergeOptions struct {
	*RootOptions
	UnsafeDevices string
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge <dest> <src>",
		Short: "Union two package directories offline",
		Long: `Replace (or create) dest's copy of every device directory present
under src, except the device IDs named in --unsafe-devices, which are
left untouched. Neither package may have a live Store open on it.

Example:
  synctool merge ./shared-notes ./shared-notes-backup --unsafe-devices=A,C`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.UnsafeDevices, "unsafe-devices", "", "comma-separated device IDs to leave untouched")

	return cmd
}

func runMerge(opts *MergeOptions, dest, src string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var unsafeDevices []string
	if opts.UnsafeDevices != "" {
		unsafeDevices = strings.Split(opts.UnsafeDevices, ",")
	}

	if err := mergetool.Merge(dest, src, unsafeDevices, logger); err != nil {
		return WrapExitError(ExitCommandError, "merge failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	return formatter.Success(map[string]string{"dest": dest, "src": src, "status": "merged"})
}
