package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/compose/internal/localcache"
)

// CacheEntry is one cached channel as printed by cache list.
type CacheEntry struct {
	Channel  string    `json:"channel"`
	TS       int64     `json:"ts"`
	CachedAt time.Time `json:"cached_at"`
}

// PruneResult is the outcome of cache prune.
type PruneResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Removed int       `json:"removed"`
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the local value cache",
		Long: `The local cache holds the last value each attached channel settled on,
so a restarted process can display it before the snapshot store answers.
Entries are never evicted automatically.`,
	}

	cmd.AddCommand(newCacheListCommand(rootOpts))
	cmd.AddCommand(newCachePruneCommand(rootOpts))
	cmd.AddCommand(newCacheDropCommand(rootOpts))

	return cmd
}

func newCacheListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List cached channels",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(rootOpts, func(cache *localcache.Cache) error {
				entries, err := cache.List()
				if err != nil {
					return WrapExitError(ExitCommandError, ErrCodeCache+": failed to list cache", err)
				}

				list := make([]CacheEntry, len(entries))
				for i, e := range entries {
					list[i] = CacheEntry{
						Channel:  e.Channel,
						TS:       e.Record.TS,
						CachedAt: time.UnixMilli(e.Record.CachedAt).UTC(),
					}
				}

				if rootOpts.Format == "json" {
					return (&OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}).Success(list)
				}
				w := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(w, "Cache is empty.")
					return nil
				}
				for _, e := range list {
					fmt.Fprintf(w, "%s\tts %d\tcached %s\n", e.Channel, e.TS, e.CachedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newCachePruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries older than a duration",
		Long: `Remove every cache entry written before now minus --older-than.

Example:
  compose cache prune --older-than 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return NewExitError(ExitCommandError, "--older-than must be positive")
			}
			return withCache(rootOpts, func(cache *localcache.Cache) error {
				cutoff := time.Now().Add(-olderThan)
				n, err := cache.Prune(cutoff)
				if err != nil {
					return WrapExitError(ExitCommandError, ErrCodeCache+": failed to prune cache", err)
				}

				result := PruneResult{Cutoff: cutoff.UTC(), Removed: n}
				if rootOpts.Format == "json" {
					return (&OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}).Success(result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ pruned %d cache entries written before %s\n", n, result.Cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "remove entries cached longer ago than this")

	return cmd
}

func newCacheDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <channel>",
		Short:         "Remove one channel from the cache",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(rootOpts, func(cache *localcache.Cache) error {
				if err := cache.Delete(args[0]); err != nil {
					return WrapExitError(ExitCommandError, ErrCodeCache+": failed to drop "+args[0], err)
				}
				if rootOpts.Format == "json" {
					return (&OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}).Success(map[string]string{"dropped": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ dropped %s\n", args[0])
				return nil
			})
		},
	}
}

// withCache opens the configured cache for the duration of fn.
func withCache(rootOpts *RootOptions, fn func(*localcache.Cache) error) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig+": failed to load configuration", err)
	}
	if cfg.CacheDir == "" {
		return NewExitError(ExitCommandError, ErrCodeCache+": cache_dir is not configured")
	}

	cache, err := localcache.Open(localcache.Options{Dir: cfg.CacheDir})
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeCache+": failed to open cache", err)
	}
	defer cache.Close()

	return fn(cache)
}
