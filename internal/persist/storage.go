// Package persist saves and restores cart state through a key-value Storage.
//
// Writes are debounced: every Save replaces the pending snapshot and restarts
// a quiet-period timer, so a burst of edits results in one write of the final
// state. Loads are bounded by a timeout and degrade to an empty cart on
// missing, corrupt or unreachable data.
package persist

import (
	"context"

	"github.com/go-faster/errors"
)

// StateKey is the storage key of the serialized cart. The suffix is the
// schema version; data under any other key is never read.
const StateKey = "cart-state-v1"

// ErrNotFound is returned by Storage.Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// ErrClosed is reported for saves made after Adapter.Close.
var ErrClosed = errors.New("cart adapter closed")

// Storage is a durable key-value store.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. An emptied cart is stored as an absent key.
	Delete(ctx context.Context, key string) error
}

// Watcher is implemented by storages that report changes made by other
// writers. fn receives the new value, or nil when the key was deleted.
// Implementations may also report the caller's own writes.
type Watcher interface {
	Watch(key string, fn func(value []byte)) (stop func())
}

// SessionKey namespaces StateKey for one cart session.
func SessionKey(session string) string {
	return session + "/" + StateKey
}
