// Package storage is the key-value persistence layer behind the
// snapshot store.
package storage

// DB is the record store the snapshot layer runs on: write, drop, and
// scan records under a key prefix. Keys are opaque bytes; callers
// namespace with literal key prefixes.
type DB interface {
	Put(key, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// ForEach calls fn for every key with the given prefix. The
	// callback receives copies it may retain; returning a non-nil
	// error stops the iteration and is passed through to the caller.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
