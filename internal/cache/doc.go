// Package cache implements the object store that sits in front of the
// upstream origins. A single Store interface is served by two backends: an
// in-process memory map and a disk directory holding <md5(key)> data files
// next to <md5(key)>.meta JSON sidecars. Both backends account bytes against
// a fixed capacity, expire entries on first observation past their TTL and
// evict according to an explicit Policy (LRU or FIFO, ties broken by
// insertion order). Every mutating call on a store instance is serialized by
// one mutex so size bookkeeping cannot drift under concurrent requests.
package cache
