// Package session keeps one cart Store per browser session.
//
// Stores are created on first use and hydrated from storage. The registry
// is bounded: the least recently used session is flushed and dropped when
// capacity is exceeded, and hydrated again if it comes back.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/persist"
)

// Config configures a Registry.
type Config struct {
	Capacity int `default:"10000" usage:"Maximum number of carts kept in memory"`
	// EvictTimeout bounds the flush of an evicted session.
	EvictTimeout time.Duration `default:"5s" usage:"Maximum time to flush an evicted cart" flag:"evict-timeout"`
	Persist      persist.Options
}

// Hooks observe registry lifecycle. All fields are optional.
type Hooks struct {
	OnOpen  func(session string)
	OnEvict func(session string)
}

// Registry maps session ids to cart Stores.
type Registry struct {
	storage persist.Storage
	cfg     Config
	lg      *zap.Logger
	bus     *cart.Bus
	hooks   Hooks

	// mu serializes session creation so each session is hydrated once.
	mu    sync.Mutex
	carts *lru.Cache[string, *entry]
	// draining holds evicted sessions until their adapter is closed.
	draining map[string]*entry
	// evictedNow collects entries evicted by the current carts.Add; they
	// are closed in the background once Add returns.
	evictedNow []*entry
	// closers tracks background closes of evicted entries.
	closers sync.WaitGroup
	closed  bool
}

type entry struct {
	session string
	store   *cart.Store
	adapter *persist.Adapter
	// ready is closed once the store is hydrated.
	ready chan struct{}
	// done is closed once the adapter is closed after eviction.
	done chan struct{}

	// Guarded by Registry.mu.
	refs    int
	evicted bool
	closing bool
}

// New creates a Registry. Events of every session are forwarded to bus with
// CartID set to the session id.
func New(storage persist.Storage, bus *cart.Bus, cfg Config, hooks Hooks, lg *zap.Logger) (*Registry, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if bus == nil {
		bus = cart.NewBus(lg)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.EvictTimeout <= 0 {
		cfg.EvictTimeout = 5 * time.Second
	}

	r := &Registry{
		storage:  storage,
		cfg:      cfg,
		lg:       lg,
		bus:      bus,
		hooks:    hooks,
		draining: map[string]*entry{},
	}
	carts, err := lru.NewWithEvict(cfg.Capacity, r.evicted)
	if err != nil {
		return nil, errors.Wrap(err, "create cache")
	}
	r.carts = carts
	return r, nil
}

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("registry closed")

// Get returns the Store of session, creating and hydrating it on first use.
// Concurrent callers for a new session wait for the same hydration.
//
// The caller must call release once it is done with the Store. An evicted
// session is not closed while it is held; a session that comes back before
// it was closed reuses the same Store.
func (r *Registry) Get(ctx context.Context, session string) (*cart.Store, func(), error) {
	if session == "" {
		return nil, nil, errors.New("empty session id")
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, ErrClosed
		}
		e, ok := r.carts.Get(session)
		if !ok {
			if d := r.draining[session]; d != nil {
				if d.closing {
					// Hydrate only after the previous store is flushed.
					r.mu.Unlock()
					select {
					case <-d.done:
						continue
					case <-ctx.Done():
						return nil, nil, ctx.Err()
					}
				}
				delete(r.draining, session)
				d.evicted = false
				e, ok = d, true
			} else {
				e = r.open(session)
			}
			r.carts.Add(session, e)
		}
		e.refs++
		r.closeEvictedLocked()
		r.mu.Unlock()

		release := r.releaser(e)

		if !ok {
			// Hydration outlives the request: the entry is shared.
			e.store.Hydrate(context.WithoutCancel(ctx), e.adapter)
			close(e.ready)
			return e.store, release, nil
		}

		select {
		case <-e.ready:
			return e.store, release, nil
		case <-ctx.Done():
			release()
			return nil, nil, ctx.Err()
		}
	}
}

func (r *Registry) releaser(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			// After Close every held entry is already closed.
			if e.refs == 0 && e.evicted && !e.closing && !r.closed {
				e.closing = true
				r.closeLocked(e)
			}
			r.mu.Unlock()
		})
	}
}

func (r *Registry) open(session string) *entry {
	lg := r.lg.With(zap.String("session", session))
	ad := persist.New(r.storage, persist.SessionKey(session), r.cfg.Persist, lg)
	st := cart.NewStore(ad, cart.WithID(session), cart.WithLogger(lg))
	ad.OnWrite(st.ReportPersistence)
	st.Subscribe(r.bus.Publish)
	if w, ok := r.storage.(persist.Watcher); ok {
		ad.Watch(w, st.ApplyRemote)
	}

	if r.hooks.OnOpen != nil {
		r.hooks.OnOpen(session)
	}
	return &entry{
		session: session,
		store:   st,
		adapter: ad,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// evicted runs with r.mu held, from carts.Add. Storage is not touched here:
// idle entries are closed in the background, and held entries are closed
// after their last release.
func (r *Registry) evicted(session string, e *entry) {
	e.evicted = true
	r.draining[session] = e
	if e.refs == 0 {
		e.closing = true
		r.evictedNow = append(r.evictedNow, e)
	}
}

func (r *Registry) closeEvictedLocked() {
	for _, e := range r.evictedNow {
		r.closeLocked(e)
	}
	r.evictedNow = nil
}

// closeLocked starts closing e without holding r.mu during the flush.
func (r *Registry) closeLocked(e *entry) {
	r.closers.Add(1)
	go func() {
		defer r.closers.Done()
		r.closeEntry(e)
	}()
}

// closeEntry flushes and closes an evicted entry, then lets a waiting Get of the
// same session hydrate.
func (r *Registry) closeEntry(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EvictTimeout)
	defer cancel()

	if err := e.adapter.Close(ctx); err != nil {
		r.lg.Warn("Failed to flush evicted cart", zap.String("session", e.session), zap.Error(err))
	}
	if r.hooks.OnEvict != nil {
		r.hooks.OnEvict(e.session)
	}

	r.mu.Lock()
	if r.draining[e.session] == e {
		delete(r.draining, e.session)
	}
	r.mu.Unlock()
	close(e.done)
}

// Len returns the number of sessions in memory.
func (r *Registry) Len() int {
	return r.carts.Len()
}

// Flush writes every session's pending state.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entriesLocked()
	r.mu.Unlock()

	// Every session is attempted even if one fails.
	var g errgroup.Group
	g.SetLimit(16)
	for _, e := range entries {
		g.Go(func() error {
			return e.adapter.Flush(ctx)
		})
	}
	return g.Wait()
}

// Close flushes all sessions, including held ones, and rejects further Get
// calls. Saves made through a held Store afterwards are reported as
// persistence failures.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entriesLocked()
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(16)
	for _, e := range entries {
		g.Go(func() error {
			return e.adapter.Close(ctx)
		})
	}
	err := g.Wait()
	r.closers.Wait()
	if err != nil {
		return errors.Wrap(err, "close carts")
	}
	return nil
}

// entriesLocked returns cached sessions and evicted ones not yet closing.
func (r *Registry) entriesLocked() []*entry {
	entries := r.carts.Values()
	for _, e := range r.draining {
		if !e.closing {
			entries = append(entries, e)
		}
	}
	return entries
}
