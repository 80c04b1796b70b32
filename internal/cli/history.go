package cli

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/synckv/synckv"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Since  string
	Until  string
	Device string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <package> <deviceId>",
		Short: "Dump the append-only change log",
		Long: `Open the package directory at <package> as device <deviceId> and print
every log row matching the optional --since/--until/--device filters,
oldest first.

Example:
  synctool history ./shared-notes A --since 1700000000000000 --device B`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only rows at or after this timestamp (epoch microseconds)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "only rows at or before this timestamp (epoch microseconds)")
	cmd.Flags().StringVar(&opts.Device, "device", "", "only rows from this device")

	return cmd
}

func runHistory(opts *HistoryOptions, root, deviceID string, cmd *cobra.Command) error {
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

	since, err := parseOptionalTimestamp(opts.Since)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --since", err)
	}
	until, err := parseOptionalTimestamp(opts.Until)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --until", err)
	}
	var device *string
	if opts.Device != "" {
		device = &opts.Device
	}

	changes, err := store.FetchChanges(ctx, since, until, device)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to fetch changes", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	return formatter.Success(changes)
}

func parseOptionalTimestamp(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
