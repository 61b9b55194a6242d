// Package localcache persists the last known value of each channel in a
// Pebble database, so a restarted process can display a value before the
// snapshot store answers.
//
// Usage:
//
//	c, err := localcache.Open(localcache.Options{Dir: "./.compose-cache"})
//	if err != nil { /* handle */ }
//	defer c.Close()
//
//	eng := engine.New(backend, engine.WithLocalCache(c))
//
// Records are stored as JSON {value, ts, cached_at} under
// "compose-cache-<encoded channel name>". Nothing is evicted automatically;
// Prune removes records older than a cutoff.
package localcache
