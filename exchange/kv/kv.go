// Package kv abstracts the exchange's persistent key-value backend.
// It is consumed by the reputation store and task snapshot recovery.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is the storage contract. Values are opaque; callers serialize
// to JSON. Implementations must support concurrent readers and a
// single writer.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
