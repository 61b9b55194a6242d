package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/config"
	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/localcache"
	"github.com/roach88/compose/internal/reducers"
	"github.com/roach88/compose/internal/remote"
	"github.com/roach88/compose/internal/store"
)

// settleTimeout bounds how long a command waits for a channel to settle
// or for a reduced value to be mirrored.
const settleTimeout = 30 * time.Second

// session is the runtime shared by the commands that talk to an event log:
// the resolved configuration, the process logger and the open backend.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend engine.Backend
	store   *store.Store // nil when connected to a remote server
	catalog *reducers.Catalog

	closers []func() error
}

// loadConfig reads the configuration file and applies flag overrides.
// Without --config, ./compose.yaml is read if it exists.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path, optional := opts.ConfigPath, false
	if path == "" {
		path, optional = config.DefaultFile, true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return nil, err
	}

	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Remote != "" {
		cfg.Remote = opts.Remote
	}
	if opts.Manifests != "" {
		cfg.Manifests = opts.Manifests
	}
	if opts.CacheDir != "" {
		cfg.CacheDir = opts.CacheDir
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the logger for cmd. Logs always go to stderr so they
// never corrupt JSON output.
func newLogger(cfg *config.Config, cmd *cobra.Command) *slog.Logger {
	return cfg.Logger(cmd.ErrOrStderr())
}

// openSession loads configuration and connects to the event log: the
// configured remote server when set, the SQLite database otherwise.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeConfig+": failed to load configuration", err)
	}
	logger := newLogger(cfg, cmd)

	s := &session{cfg: cfg, logger: logger, catalog: reducers.Default()}

	if cfg.Remote != "" {
		logger.Info("connecting to server", "url", cfg.Remote)
		client, err := remote.Dial(ctx, cfg.Remote,
			remote.WithLogger(logger),
			remote.WithReconnect(cfg.Transport.InitialInterval, cfg.Transport.MaxInterval),
		)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeBackend+": failed to connect to server", err)
		}
		s.backend = client
		s.closers = append(s.closers, client.Close)
		return s, nil
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database,
		store.WithLogger(logger),
		store.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, ErrCodeBackend+": failed to open database", err)
	}
	s.backend = st
	s.store = st
	s.closers = append(s.closers, st.Close)
	return s, nil
}

// engine builds an engine over the session backend. With withCache the
// Pebble cache at cache_dir is opened and closed with the session.
func (s *session) engine(withCache bool) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithLogger(s.logger),
		engine.WithTransportRetry(s.cfg.Transport.MaxRetries, s.cfg.Transport.InitialInterval, s.cfg.Transport.MaxInterval),
		engine.WithBaselineTimeout(s.cfg.BaselineTimeout),
		engine.WithBaselineRetries(s.cfg.BaselineRetries),
	}

	if withCache && s.cfg.CacheDir != "" {
		cache, err := localcache.Open(localcache.Options{Dir: s.cfg.CacheDir})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, ErrCodeCache+": failed to open local cache", err)
		}
		s.closers = append(s.closers, cache.Close)
		opts = append(opts, engine.WithLocalCache(cache))
	}

	eng := engine.New(s.backend, opts...)
	s.closers = append(s.closers, func() error {
		eng.Close()
		return nil
	})
	return eng, nil
}

// channel loads the manifests and returns the engine configuration of the
// named channel.
func (s *session) channel(name string) (ir.ChannelSpec, engine.ChannelConfig, error) {
	loaded, errs := LoadManifests(s.cfg.Manifests, LoadModeFailFast)
	if len(errs) > 0 {
		return ir.ChannelSpec{}, engine.ChannelConfig{}, WrapExitError(ExitCommandError, "failed to load manifests", errs[0])
	}
	spec, ok := loaded.Channel(name)
	if !ok {
		return ir.ChannelSpec{}, engine.ChannelConfig{}, NewExitError(ExitCommandError,
			fmt.Sprintf("%s: channel %s is not declared in %s (declared: %v)", ErrCodeUnknown, name, s.cfg.Manifests, loaded.Names()))
	}
	cc, err := s.catalog.Config(spec, s.backend)
	if err != nil {
		return ir.ChannelSpec{}, engine.ChannelConfig{}, WrapExitError(ExitCommandError, ErrCodeUnknown, err)
	}
	return spec, cc, nil
}

// Close releases everything the session opened, most recent first.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// waitSettled blocks until the machine of an attached channel leaves the
// loading states.
func waitSettled(ctx context.Context, eng *engine.Engine, channel string) error {
	m, ok := eng.Registry().Machine(channel)
	if !ok {
		return fmt.Errorf("channel %s is not attached", channel)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch state := m.State().(type) {
		case engine.Settled:
			return nil
		case engine.VersionMismatch:
			return state.Err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("channel %s did not settle: %w", channel, ctx.Err())
		case <-ticker.C:
		}
	}
}

// discardLogger is used where a command must stay silent.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newScenarioLogger logs scenario engines at debug level to stderr.
func newScenarioLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}
