package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Limit   int  // stop after this many values; 0 watches until interrupted
	NoCache bool // skip the local cache
}

// WatchValue is one value printed by watch.
type WatchValue struct {
	Channel string   `json:"channel"`
	Value   ir.Value `json:"value"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <channel>",
		Short: "Attach a channel and print every new value",
		Long: `Attach the channel and print its value once it settles, then again
after every action applied to it. With --format json each value is one
JSON line.

Example:
  compose watch conduit-comments-1
  compose watch conduit-tags-1 --limit 1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "stop after n values (0 = until interrupted)")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "do not read or write the local cache")

	return cmd
}

func runWatch(opts *WatchOptions, channel string, cmd *cobra.Command) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sess, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	eng, err := sess.engine(!opts.NoCache)
	if err != nil {
		return err
	}
	_, cc, err := sess.channel(channel)
	if err != nil {
		return err
	}

	// Observers run on the machine goroutine and must not block.
	values := make(chan ir.Value, 256)
	sub, _, err := eng.Attach(ctx, cc, func(v ir.Value) {
		select {
		case values <- v:
		default:
			sess.logger.Warn("watch output is behind; value dropped", "channel", channel)
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeAttach+": failed to attach "+channel, err)
	}
	defer sub.Close()

	m, _ := eng.Registry().Machine(channel)
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Failed():
			var err error = fmt.Errorf("channel %s frozen", channel)
			if vm, ok := m.State().(engine.VersionMismatch); ok {
				err = vm.Err
			}
			_ = formatter.Error(ErrCodeAttach, err.Error(), nil)
			return WrapExitError(ExitFailure, ErrCodeAttach+": channel frozen", err)
		case v := <-values:
			if err := printWatchValue(formatter, channel, v); err != nil {
				return err
			}
			printed++
			if opts.Limit > 0 && printed >= opts.Limit {
				return nil
			}
		}
	}
}

func printWatchValue(formatter *OutputFormatter, channel string, v ir.Value) error {
	if formatter.Format == "json" {
		return formatter.Success(WatchValue{Channel: channel, Value: v})
	}
	_, err := fmt.Fprintln(formatter.Writer, canonical(v))
	return err
}
