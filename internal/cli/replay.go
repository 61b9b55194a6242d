package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
)

// Replay statuses.
const (
	ReplayMatch           = "match"
	ReplayMismatch        = "mismatch"
	ReplayNoSnapshot      = "no_snapshot"
	ReplayReducerMismatch = "reducer_mismatch"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
}

// ReplayChannelResult holds the replay result for a single channel.
type ReplayChannelResult struct {
	Channel    string   `json:"channel"`
	Status     string   `json:"status"`
	Events     int      `json:"events"`
	Applied    int      `json:"applied"`
	Skipped    int      `json:"skipped"`
	Failures   int      `json:"failures"`
	ReplayTS   int64    `json:"replay_ts"`
	SnapshotTS int64    `json:"snapshot_ts,omitempty"`
	Seeded     bool     `json:"seeded,omitempty"`
	Digest     string   `json:"digest"`
	Value      ir.Value `json:"value,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Channels   []ReplayChannelResult `json:"channels"`
	Total      int                   `json:"total"`
	AllMatched bool                  `json:"all_matched"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [channel...]",
		Short: "Rebuild channels from the event log and check their snapshots",
		Long: `Fold each channel's full event log through its reducer and compare the
result with the stored snapshot.

A snapshot is the value attached processes converged on; a replay that
disagrees means a reducer changed behavior without a version bump. Channels
default to every channel declared in the manifests. Seeded channels start
from the current snapshot of the channel they seed from.

Exit codes:
  0 - Every snapshot matches its replay
  1 - A snapshot disagrees, or the recorded reducer differs from the local one
  2 - Command error (database not found, etc.)

Examples:
  compose replay --db ./compose.db
  compose replay conduit-comments-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	return cmd
}

func runReplay(opts *ReplayOptions, channels []string, cmd *cobra.Command) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	if sess.store == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: replay reads the local database, not --remote", ErrCodeBackend))
	}

	loaded, errs := LoadManifests(sess.cfg.Manifests, LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load manifests", errs[0])
	}
	if len(channels) == 0 {
		channels = loaded.Names()
	}

	result := ReplayResult{
		Channels:   make([]ReplayChannelResult, 0, len(channels)),
		Total:      len(channels),
		AllMatched: true,
	}

	for _, name := range channels {
		spec, ok := loaded.Channel(name)
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: channel %s is not declared in %s", ErrCodeUnknown, name, sess.cfg.Manifests))
		}
		chResult, err := replayChannel(ctx, sess, spec)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay %s", name), err)
		}
		if opts.Verbose {
			sess.logger.Debug("channel replayed",
				"channel", name,
				"status", chResult.Status,
				"applied", chResult.Applied,
				"skipped", chResult.Skipped,
			)
		}
		if chResult.Status == ReplayMismatch || chResult.Status == ReplayReducerMismatch {
			result.AllMatched = false
		}
		result.Channels = append(result.Channels, chResult)
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

// replayChannel rebuilds one channel and compares it with its snapshot.
func replayChannel(ctx context.Context, sess *session, spec ir.ChannelSpec) (ReplayChannelResult, error) {
	res := ReplayChannelResult{Channel: spec.Channel}

	def, err := sess.catalog.Def(spec.Reducer, spec.ReducerVersion)
	if err != nil {
		return res, err
	}
	local, err := def.Identity()
	if err != nil {
		return res, err
	}
	recorded, ok, err := sess.store.ReducerIdentity(ctx, spec.Channel)
	if err != nil {
		return res, err
	}
	if ok && recorded.Fingerprint != local.Fingerprint {
		res.Status = ReplayReducerMismatch
		res.Detail = fmt.Sprintf("recorded %s@%s, local %s@%s", recorded.Name, recorded.Version, local.Name, local.Version)
		return res, nil
	}

	initial := sess.catalog.InitialValue(spec)
	if spec.SeedFrom != "" {
		prior, ok, err := sess.store.LoadSnapshot(ctx, spec.SeedFrom)
		if err != nil {
			return res, err
		}
		if ok && !ir.IsNull(prior.Value) {
			initial = prior.Value
			res.Seeded = true
		}
	}

	events, err := sess.store.ReadEvents(ctx, spec.Channel, 0)
	if err != nil {
		return res, err
	}

	replayed := engine.Replay(spec.Channel, def.Fn, initial, events)
	res.Events = len(events)
	res.Applied = replayed.Applied
	res.Skipped = replayed.Skipped
	res.Failures = len(replayed.Failures)
	res.ReplayTS = replayed.TS
	res.Value = replayed.Value
	if res.Digest, err = replayed.Digest(); err != nil {
		return res, err
	}

	snap, ok, err := sess.store.LoadSnapshot(ctx, spec.Channel)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Status = ReplayNoSnapshot
		return res, nil
	}
	res.SnapshotTS = snap.TS

	match, err := replayed.Matches(snap)
	if err != nil {
		return res, err
	}
	if match {
		res.Status = ReplayMatch
		return res, nil
	}

	res.Status = ReplayMismatch
	switch {
	case snap.TS < replayed.TS:
		res.Detail = "snapshot is behind the log"
	case snap.TS > replayed.TS:
		res.Detail = "snapshot is ahead of the log"
	default:
		res.Detail = "values differ at the same ts"
	}
	return res, nil
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllMatched {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeMismatch,
			Message: "replay disagrees with stored snapshots",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.AllMatched {
		return NewExitError(ExitFailure, "replay disagrees with stored snapshots")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	if result.Total == 0 {
		fmt.Fprintln(w, "No channels to replay.")
		return nil
	}

	for _, ch := range result.Channels {
		switch ch.Status {
		case ReplayMatch:
			fmt.Fprintf(w, "✓ %s: %d event(s), ts %d\n", ch.Channel, ch.Events, ch.ReplayTS)
		case ReplayNoSnapshot:
			fmt.Fprintf(w, "- %s: %d event(s), no snapshot\n", ch.Channel, ch.Events)
		default:
			fmt.Fprintf(w, "✗ %s: %s\n", ch.Channel, ch.Status)
			if ch.Detail != "" {
				fmt.Fprintf(w, "  %s\n", ch.Detail)
			}
		}
		if ch.Failures > 0 {
			fmt.Fprintf(w, "  %d event(s) dropped by reducer panics\n", ch.Failures)
		}
	}

	fmt.Fprintln(w)
	if !result.AllMatched {
		fmt.Fprintln(w, "✗ Replay disagrees with stored snapshots")
		return NewExitError(ExitFailure, "replay disagrees with stored snapshots")
	}
	fmt.Fprintln(w, "✓ All snapshots match their logs")
	return nil
}
