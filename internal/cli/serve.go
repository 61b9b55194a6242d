package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Reduce bool // keep every declared channel attached

	// Ready is called with the listening address once the server accepts
	// connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event log to remote clients",
		Long: `Serve the SQLite event log over a websocket so processes on other
hosts can attach channels with --remote.

With --reduce, every channel declared in the manifests stays attached in
the server process, keeping snapshots current while no client is connected.

Example:
  compose serve --db ./compose.db --listen 0.0.0.0:7420
  compose serve --reduce --manifests ./channels`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", opts.Listen, "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.Reduce, "reduce", opts.Reduce, "attach every declared channel")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer sess.Close()

	if sess.store == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: serve needs a local database, not --remote", ErrCodeBackend))
	}

	if opts.Reduce {
		if err := attachAll(ctx, sess); err != nil {
			return err
		}
	}

	addr := opts.Listen
	if addr == "" {
		addr = sess.cfg.Listen
	}

	srv := server.New(sess.store, server.WithLogger(sess.logger))
	if err := srv.Start(addr); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	if opts.Ready != nil {
		opts.Ready(srv.Addr())
	}

	<-ctx.Done()
	sess.logger.Info("shutting down", "conns", srv.Conns())

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdown); err != nil {
		sess.logger.Warn("server shutdown", "error", err)
	}
	return nil
}

// attachAll attaches every channel declared in the manifests to a fresh
// engine owned by the session.
func attachAll(ctx context.Context, sess *session) error {
	loaded, errs := LoadManifests(sess.cfg.Manifests, LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load manifests", errs[0])
	}

	eng, err := sess.engine(true)
	if err != nil {
		return err
	}
	for _, spec := range loaded.Channels {
		cc, err := sess.catalog.Config(spec, sess.backend)
		if err != nil {
			return WrapExitError(ExitCommandError, ErrCodeUnknown, err)
		}
		if _, _, err := eng.Attach(ctx, cc, nil); err != nil {
			return WrapExitError(ExitCommandError, ErrCodeAttach+": failed to attach "+spec.Channel, err)
		}
	}
	sess.logger.Info("channels attached", "count", len(loaded.Channels))
	return nil
}
