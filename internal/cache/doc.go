// Package cache implements the two-tier byte cache used by the fetch manager.
// The memory tier is a synchronous LRU map with an optional byte budget; the
// disk tier is a DiskBackend (plain files under StoragePath/<namespace>, or a
// badger database) written asynchronously on a dedicated I/O goroutine.
// Entries older than MaxAge are never returned as hits, and SweepExpired
// enforces both the age limit and the MaxSize ceiling on disk. Disk failures
// are logged and treated as misses; they never reach callers.
package cache
