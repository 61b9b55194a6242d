package reducers

import (
	"fmt"
	"sort"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
)

// Entry is one reducer known to a Catalog.
type Entry struct {
	Name    string
	Version string   // Default reducer version
	Initial ir.Value // Default initial value
	Fn      engine.Reducer
	Seed    func(prior ir.Value) ir.Value // Migrates a non-null prior value; nil keeps it as is
}

// Catalog resolves reducer names used in channel manifests.
type Catalog struct {
	entries map[string]Entry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Entry)}
}

// Default returns a catalog of the built-in reducers.
func Default() *Catalog {
	c := NewCatalog()
	c.Register(Entry{Name: "articles", Version: "1", Initial: ir.Array{}, Fn: Articles, Seed: SeedArticles})
	c.Register(Entry{Name: "comments", Version: "1", Initial: ir.Array{}, Fn: Comments})
	c.Register(Entry{Name: "users", Version: "1", Initial: ir.Array{}, Fn: Users})
	c.Register(Entry{Name: "followers", Version: "1", Initial: ir.Array{}, Fn: Followers})
	c.Register(Entry{Name: "favorites", Version: "1", Initial: emptyFavorites(), Fn: Favorites})
	c.Register(Entry{Name: "tags", Version: "1", Initial: ir.Array{}, Fn: Tags})
	return c
}

// Register adds or replaces an entry.
func (c *Catalog) Register(e Entry) {
	c.entries[e.Name] = e
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the registered reducer names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Def returns the engine definition of name at version.
// An empty version selects the entry's default.
func (c *Catalog) Def(name, version string) (engine.ReducerDef, error) {
	e, ok := c.entries[name]
	if !ok {
		return engine.ReducerDef{}, fmt.Errorf("unknown reducer %q (known: %v)", name, c.Names())
	}
	if version == "" {
		version = e.Version
	}
	return engine.ReducerDef{Name: e.Name, Version: version, Fn: e.Fn}, nil
}

// Config builds the engine configuration of a compiled channel manifest.
//
// A null initial value selects the reducer's default. A manifest with
// seed_from reads the prior channel's snapshot from snapshots and falls
// back to the initial value when the prior channel has none. A prior value
// passes through the reducer's Seed transform.
func (c *Catalog) Config(spec ir.ChannelSpec, snapshots engine.SnapshotStore) (engine.ChannelConfig, error) {
	def, err := c.Def(spec.Reducer, spec.ReducerVersion)
	if err != nil {
		return engine.ChannelConfig{}, fmt.Errorf("channel %s: %w", spec.Channel, err)
	}

	initial := c.InitialValue(spec)
	cfg := engine.ChannelConfig{
		Name:    spec.Channel,
		Reducer: def,
		Initial: engine.BaselineValue(initial),
		Loading: spec.Loading,
	}
	if spec.SeedFrom != "" {
		seed := c.entries[spec.Reducer].Seed
		cfg.Initial = engine.SeedFrom(snapshots, spec.SeedFrom, func(prior ir.Value) ir.Value {
			if ir.IsNull(prior) {
				return initial
			}
			if seed != nil {
				return seed(prior)
			}
			return prior
		})
	}
	return cfg, nil
}

// InitialValue returns the manifest's initial value, or the reducer's
// default when the manifest leaves it null.
func (c *Catalog) InitialValue(spec ir.ChannelSpec) ir.Value {
	if !ir.IsNull(spec.Initial) {
		return spec.Initial
	}
	if e, ok := c.entries[spec.Reducer]; ok && e.Initial != nil {
		return e.Initial
	}
	return ir.Null{}
}
