package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/ir"
)

// mirrorTimeout bounds the wait for an emitted action's value to reach the
// snapshot store.
const mirrorTimeout = 5 * time.Second

// EmitOptions holds flags for the emit command.
type EmitOptions struct {
	*RootOptions
	Publish bool // append without waiting for a response
}

// EmitResult is the outcome of one emit.
type EmitResult struct {
	Channel  string   `json:"channel"`
	Response ir.Value `json:"response,omitempty"`
	Value    ir.Value `json:"value,omitempty"`
	Seq      int64    `json:"seq,omitempty"`
	TS       int64    `json:"ts,omitempty"`
}

// NewEmitCommand creates the emit command.
func NewEmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "emit <channel> <action-json>",
		Short: "Emit an action to a channel and print the response",
		Long: `Attach the channel, append the action to its event log and wait for the
reducer to answer it.

A response carrying an "errors" field is a rejection and exits with code 1.
With --publish the action is appended without correlation and the command
returns as soon as the log accepts it.

Example:
  compose emit conduit-comments-1 '{"type":"CreateComment","uid":"u1","body":"hi"}'
  compose emit conduit-tags-1 '{"type":"UpdateArticleTags","uid":"u1","slug":"a","tagList":["go"]}' --publish`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "append without waiting for a response")

	return cmd
}

func runEmit(opts *EmitOptions, channel, actionJSON string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	action, err := ir.DecodeValue([]byte(actionJSON))
	if err != nil {
		_ = formatter.Error(ErrCodeBadAction, "action is not valid JSON", err.Error())
		return WrapExitError(ExitCommandError, ErrCodeBadAction+": invalid action", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	eng, err := sess.engine(false)
	if err != nil {
		return err
	}

	if opts.Publish {
		if _, err := ir.ParseChannelName(channel); err != nil {
			return WrapExitError(ExitCommandError, ErrCodeUnknown, err)
		}
		ev, err := eng.Publish(ctx, channel, action)
		if err != nil {
			_ = formatter.Error(ErrCodeEmitFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeEmitFailed+": publish failed", err)
		}
		return outputEmit(formatter, EmitResult{Channel: channel, Seq: ev.Seq, TS: ev.TS})
	}

	_, cc, err := sess.channel(channel)
	if err != nil {
		return err
	}

	// Observers run after the snapshot mirror, so a notification following
	// the response means the reduced value is durable.
	committed := make(chan ir.Value, 1)
	sub, _, err := eng.Attach(ctx, cc, func(v ir.Value) {
		for {
			select {
			case committed <- v:
				return
			default:
			}
			select {
			case <-committed:
			default:
			}
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeAttach+": failed to attach "+channel, err)
	}
	defer sub.Close()

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if err := waitSettled(settleCtx, eng, channel); err != nil {
		_ = formatter.Error(ErrCodeAttach, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeAttach, err)
	}
	select {
	case <-committed:
	default:
	}

	formatter.VerboseLog("Emitting to %s", channel)
	msg, err := eng.Emit(ctx, channel, action)
	if err != nil {
		_ = formatter.Error(ErrCodeEmitFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeEmitFailed+": emit failed", err)
	}

	result := EmitResult{Channel: channel, Response: msg}
	mirror := time.NewTimer(mirrorTimeout)
	defer mirror.Stop()
	select {
	case v := <-committed:
		result.Value = v
	case <-mirror.C:
		sess.logger.Warn("reduced value not mirrored before exit", "channel", channel)
	}

	if errs := ir.MessageErrors(msg); errs != nil {
		if opts.Format == "json" {
			_ = formatter.Write(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: ErrCodeEmitFailed, Message: "action rejected", Details: errs},
			})
		} else {
			fmt.Fprintf(formatter.Writer, "✗ %s rejected the action\n", channel)
			fmt.Fprintf(formatter.Writer, "  %s\n", canonical(errs))
		}
		return NewExitError(ExitFailure, "action rejected")
	}

	return outputEmit(formatter, result)
}

func outputEmit(formatter *OutputFormatter, result EmitResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if result.Response == nil {
		fmt.Fprintf(formatter.Writer, "✓ published to %s (seq %d, ts %d)\n", result.Channel, result.Seq, result.TS)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ %s\n", canonical(result.Response))
	if formatter.Verbose && result.Value != nil {
		fmt.Fprintf(formatter.Writer, "  value: %s\n", canonical(result.Value))
	}
	return nil
}

// canonical renders v as canonical JSON, falling back to %v.
func canonical(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
