// Package kvstore is the durable key/value adapter every stateful
// component persists through: the scroll WAL, the rule engine state, the
// delivery queue, the stats cache and the active session.
package kvstore

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: closed")

// Store reads and writes structured values by key.
type Store interface {
	// Get decodes the value stored at key into out. It reports false when
	// the key does not exist.
	Get(ctx context.Context, key string, out any) (bool, error)
	// Set replaces the value stored at key.
	Set(ctx context.Context, key string, value any) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}
