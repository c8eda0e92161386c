// Package blob provides the byte-blob persistence abstraction the
// subinode manager and payment voter use to dump and restore their
// state: a Store interface plus a URL-scheme factory, trimmed to the
// Get/Set/Exists/Del surface this subsystem actually needs — no
// streaming reads, no per-key TTL, since a manager or payments dump is
// a single small blob written wholesale on a timer and read back once
// at startup.
package blob

import "context"

// Store is a keyed byte-blob store.
type Store interface {
	Set(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Exists(ctx context.Context, key []byte) (bool, error)
	Del(ctx context.Context, key []byte) error
	Close(ctx context.Context) error
}
