package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/synckv/synckv"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <package> <deviceId>",
		Short: "Open a package, load it, and print its current view",
		Long: `Open the package directory at <package> as device <deviceId>, run the
initial scan synchronously, and print the resulting key/value view.

Example:
  synctool load ./shared-notes A
  synctool load --format json ./shared-notes A`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runLoad(opts *LoadOptions, root, deviceID string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	store, err := synckv.Open(root, deviceID, synckv.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open package", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := store.LoadNow(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load package", err)
	}

	entries, err := store.AllEntries(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read current view", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	return formatter.Success(entries)
}
