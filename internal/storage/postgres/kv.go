package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/persist"
)

// notifyChannel is raised by the cart_state trigger with the changed key as
// payload.
const notifyChannel = "cart_state_changed"

const (
	getStateSQL    = `SELECT value FROM cart_state WHERE key = $1`
	setStateSQL    = `INSERT INTO cart_state (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteStateSQL = `DELETE FROM cart_state WHERE key = $1`
)

var (
	_ persist.Storage = (*KV)(nil)
	_ persist.Watcher = (*KV)(nil)
)

// KV stores cart state in the cart_state table. Changes made by any
// process are reported to watchers through LISTEN/NOTIFY once Listen runs.
type KV struct {
	pool *pgxpool.Pool
	lg   *zap.Logger

	mu       sync.Mutex
	nextID   int
	watchers map[string]map[int]func([]byte)
}

// NewKV returns a KV that uses the given pool.
func NewKV(pool *pgxpool.Pool, lg *zap.Logger) *KV {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &KV{
		pool:     pool,
		lg:       lg,
		watchers: make(map[string]map[int]func([]byte)),
	}
}

// Get returns the stored value of key.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := kv.pool.QueryRow(ctx, getStateSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persist.ErrNotFound
		}
		return nil, fmt.Errorf("getting state %q: %w", key, err)
	}
	return value, nil
}

// Set upserts the value of key.
func (kv *KV) Set(ctx context.Context, key string, value []byte) error {
	if _, err := kv.pool.Exec(ctx, setStateSQL, key, value); err != nil {
		return fmt.Errorf("setting state %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if _, err := kv.pool.Exec(ctx, deleteStateSQL, key); err != nil {
		return fmt.Errorf("deleting state %q: %w", key, err)
	}
	return nil
}

// Watch registers fn for changes of key. Callbacks run on the Listen
// goroutine, one notification at a time.
func (kv *KV) Watch(key string, fn func([]byte)) (stop func()) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.nextID++
	id := kv.nextID
	if kv.watchers[key] == nil {
		kv.watchers[key] = make(map[int]func([]byte))
	}
	kv.watchers[key][id] = fn

	return func() {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		delete(kv.watchers[key], id)
		if len(kv.watchers[key]) == 0 {
			delete(kv.watchers, key)
		}
	}
}

// Listen holds a dedicated connection subscribed to state changes and
// dispatches them to watchers until ctx is canceled. A lost connection is
// re-established after retryDelay.
func (kv *KV) Listen(ctx context.Context, retryDelay time.Duration) error {
	for {
		err := kv.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		kv.lg.Warn("State listener disconnected", zap.Error(err), zap.Duration("retry_in", retryDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func (kv *KV) listen(ctx context.Context) error {
	conn, err := kv.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return errors.Wrap(err, "listen")
	}
	kv.lg.Debug("Listening for state changes", zap.String("channel", notifyChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return errors.Wrap(err, "wait for notification")
		}
		kv.dispatch(ctx, n.Payload)
	}
}

func (kv *KV) dispatch(ctx context.Context, key string) {
	kv.mu.Lock()
	fns := make([]func([]byte), 0, len(kv.watchers[key]))
	for _, fn := range kv.watchers[key] {
		fns = append(fns, fn)
	}
	kv.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	value, err := kv.Get(ctx, key)
	switch {
	case errors.Is(err, persist.ErrNotFound):
		value = nil
	case err != nil:
		kv.lg.Warn("Failed to read changed state", zap.String("key", key), zap.Error(err))
		return
	}
	for _, fn := range fns {
		fn(value)
	}
}
