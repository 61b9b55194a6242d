package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/roach88/compose/internal/ir"
)

// KeyPrefix prefixes every cache key.
const KeyPrefix = "compose-cache-"

// Options configures the cache.
type Options struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// FS overrides the filesystem. Tests use vfs.NewMem().
	FS vfs.FS
	// Sync forces a WAL fsync on each write.
	Sync bool
}

// Cache is a Pebble-backed engine.LocalCache.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	db        *pebble.DB
	writeSync bool
}

// Entry is one cached channel.
type Entry struct {
	Channel string
	Record  ir.CacheRecord
}

// Open creates or opens a cache with the provided options.
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("localcache: Options.Dir is required")
	}

	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}
	if !opts.Sync {
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", opts.Dir, err)
	}
	return &Cache{db: db, writeSync: opts.Sync}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Key returns the storage key of channel.
func Key(channel string) []byte {
	return []byte(KeyPrefix + ir.EncodeKey(channel))
}

// Get returns the cached record of channel.
func (c *Cache) Get(channel string) (ir.CacheRecord, bool, error) {
	val, closer, err := c.db.Get(Key(channel))
	if errors.Is(err, pebble.ErrNotFound) {
		return ir.CacheRecord{}, false, nil
	}
	if err != nil {
		return ir.CacheRecord{}, false, fmt.Errorf("localcache: get %s: %w", channel, err)
	}
	defer closer.Close()

	var rec ir.CacheRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return ir.CacheRecord{}, false, fmt.Errorf("localcache: decode %s: %w", channel, err)
	}
	return rec, true, nil
}

// Put stores rec as the last known value of channel.
func (c *Cache) Put(channel string, rec ir.CacheRecord) error {
	if rec.Value == nil {
		rec.Value = ir.Null{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("localcache: encode %s: %w", channel, err)
	}
	if err := c.db.Set(Key(channel), data, c.writeOpts()); err != nil {
		return fmt.Errorf("localcache: put %s: %w", channel, err)
	}
	return nil
}

// Delete removes channel's record. Deleting a missing record is not an
// error.
func (c *Cache) Delete(channel string) error {
	if err := c.db.Delete(Key(channel), c.writeOpts()); err != nil {
		return fmt.Errorf("localcache: delete %s: %w", channel, err)
	}
	return nil
}

// List returns every cached record in key order.
func (c *Cache) List() ([]Entry, error) {
	var entries []Entry
	err := c.scan(func(key []byte, rec ir.CacheRecord) (bool, error) {
		entries = append(entries, Entry{Channel: channelOf(key), Record: rec})
		return true, nil
	})
	return entries, err
}

// Prune deletes records cached before cutoff and returns how many were
// removed.
func (c *Cache) Prune(cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()

	b := c.db.NewBatch()
	defer b.Close()

	deleted := 0
	err := c.scan(func(key []byte, rec ir.CacheRecord) (bool, error) {
		if rec.CachedAt >= cutoffMs {
			return true, nil
		}
		if err := b.Delete(key, nil); err != nil {
			return false, err
		}
		deleted++
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("localcache: prune: %w", err)
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := b.Commit(c.writeOpts()); err != nil {
		return 0, fmt.Errorf("localcache: prune commit: %w", err)
	}
	return deleted, nil
}

// scan visits every record under KeyPrefix. Undecodable records are
// skipped. fn returns false to stop.
func (c *Cache) scan(fn func(key []byte, rec ir.CacheRecord) (bool, error)) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(KeyPrefix),
		UpperBound: prefixEnd([]byte(KeyPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		var rec ir.CacheRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		more, err := fn(key, rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func (c *Cache) writeOpts() *pebble.WriteOptions {
	if c.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func channelOf(key []byte) string {
	return ir.DecodeKey(string(key[len(KeyPrefix):]))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
