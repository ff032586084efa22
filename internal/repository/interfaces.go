package repository

import "context"

// KVStore is the flat durable string store the sync state is layered on.
// Implementations must make a Set visible to any subsequent Get once it
// returns; crash safety is delegated to the backing database.
type KVStore interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes all pairs in a single transaction.
	SetMany(ctx context.Context, pairs map[string]string) error
	Delete(ctx context.Context, key string) error
	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
