package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/ir"
)

// SnapshotResult is the stored state of one channel.
type SnapshotResult struct {
	Channel string              `json:"channel"`
	Found   bool                `json:"found"`
	Value   ir.Value            `json:"value,omitempty"`
	TS      int64               `json:"ts,omitempty"`
	Latest  *ir.Event           `json:"latest,omitempty"`
	Reducer *ir.ReducerIdentity `json:"reducer,omitempty"`
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <channel>",
		Short: "Print the stored snapshot of a channel",
		Long: `Print the latest snapshot mirrored for a channel, the reducer identity
recorded with it and the newest event of its log. No reducer runs.

Exits with code 1 when the channel has no snapshot.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runSnapshot(opts *RootOptions, channel string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ctx := cmd.Context()
	sess, err := openSession(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	result := SnapshotResult{Channel: channel}

	snap, ok, err := sess.backend.LoadSnapshot(ctx, channel)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeBackend+": failed to load snapshot", err)
	}
	if ok {
		result.Found = true
		result.Value = snap.Value
		result.TS = snap.TS
	}

	id, ok, err := sess.backend.ReducerIdentity(ctx, channel)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeBackend+": failed to load reducer identity", err)
	}
	if ok {
		result.Reducer = &id
	}

	latest, ok, err := sess.backend.Latest(ctx, channel)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeBackend+": failed to read event log", err)
	}
	if ok {
		result.Latest = &latest
	}

	if !result.Found {
		if formatter.Format == "json" {
			_ = formatter.Write(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: ErrCodeUnknown, Message: "no snapshot for " + channel},
			})
		} else {
			fmt.Fprintf(formatter.Writer, "✗ no snapshot for %s\n", channel)
		}
		return NewExitError(ExitFailure, "no snapshot for "+channel)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "channel: %s\n", channel)
	fmt.Fprintf(w, "ts:      %d\n", result.TS)
	if result.Reducer != nil {
		fmt.Fprintf(w, "reducer: %s@%s (%s)\n", result.Reducer.Name, result.Reducer.Version, result.Reducer.Fingerprint)
	}
	if result.Latest != nil {
		fmt.Fprintf(w, "latest:  seq %d, ts %d\n", result.Latest.Seq, result.Latest.TS)
		if result.Latest.TS > result.TS {
			fmt.Fprintln(w, "         (log is ahead of the snapshot)")
		}
	}
	fmt.Fprintf(w, "value:   %s\n", canonical(result.Value))
	return nil
}
