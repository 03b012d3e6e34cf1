package persist

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
)

// Options configures an Adapter. Zero values select the defaults.
type Options struct {
	// Debounce is the quiet period before a pending snapshot is written.
	Debounce time.Duration `default:"250ms" usage:"Quiet period before a cart write"`
	// LoadTimeout bounds Load.
	LoadTimeout time.Duration `default:"3s" usage:"Maximum time to read a saved cart" flag:"load-timeout"`
	// WriteTimeout bounds a single background write.
	WriteTimeout time.Duration `default:"5s" usage:"Maximum time for one cart write" flag:"write-timeout"`
	// MaxRetryDelay caps the backoff between retries of a failed write.
	MaxRetryDelay time.Duration `default:"30s" usage:"Maximum delay between retries of a failed write" flag:"max-retry-delay"`
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	return o
}

// Adapter persists one cart under one key. It implements cart.Persister and
// cart.Loader. It is the only component that reads or writes that key.
type Adapter struct {
	storage Storage
	key     string
	opts    Options
	lg      *zap.Logger

	// writeMu serializes storage writes so they land in Save order.
	writeMu sync.Mutex

	mu          sync.Mutex
	pending     *cart.Persisted
	timer       *time.Timer
	retryDelay time.Duration
	// own holds the most recent values this adapter wrote, so watchers
	// echoing them back are ignored.
	own       [][]byte
	report    func(error)
	stopWatch func()
	closed    bool
}

const ownHistory = 8

var (
	_ cart.Persister = (*Adapter)(nil)
	_ cart.Loader    = (*Adapter)(nil)
)

// New creates an Adapter for key. A nil logger is replaced with a no-op one.
func New(storage Storage, key string, opts Options, lg *zap.Logger) *Adapter {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Adapter{
		storage: storage,
		key:     key,
		opts:    opts.withDefaults(),
		lg:      lg.With(zap.String("key", key)),
	}
}

// OnWrite registers fn to receive the result of every storage write. The
// cart Store uses it to surface persistence failures.
func (a *Adapter) OnWrite(fn func(error)) {
	a.mu.Lock()
	a.report = fn
	a.mu.Unlock()
}

// Load reads the saved cart. A missing key yields an empty state and no
// error. Unreadable data, storage errors and timeouts yield an empty state
// together with the error; they are logged and never fatal.
func (a *Adapter) Load(ctx context.Context) (cart.Persisted, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.LoadTimeout)
	defer cancel()

	data, err := a.storage.Get(ctx, a.key)
	if errors.Is(err, ErrNotFound) {
		return cart.Persisted{}, nil
	}
	if err != nil {
		a.lg.Warn("Failed to read saved cart", zap.Error(err))
		return cart.Persisted{}, errors.Wrap(err, "read cart state")
	}

	p, err := Decode(data)
	if err != nil {
		a.lg.Warn("Discarding unreadable saved cart", zap.Error(err), zap.Int("bytes", len(data)))
		return cart.Persisted{}, err
	}

	a.mu.Lock()
	a.own = [][]byte{data}
	a.mu.Unlock()
	return p, nil
}

// Save queues p and restarts the debounce timer. Only the most recent
// queued state is ever written. After Close the state is dropped and
// ErrClosed is reported.
func (a *Adapter) Save(p cart.Persisted) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		a.lg.Warn("Save after close ignored")
		if a.report != nil {
			// The caller holds the cart lock.
			go a.report(ErrClosed)
		}
		return
	}
	a.pending = &p
	a.scheduleLocked(a.opts.Debounce)
}

// Flush writes the pending state now, if any.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()

	return a.write(ctx)
}

// Close stops watching, flushes and rejects further saves.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	stop := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	return a.Flush(ctx)
}

// Watch subscribes to changes of the key made by other writers. A change
// that is not one of this adapter's recent writes discards the pending
// local state, since the whole remote state wins, and is passed to apply.
func (a *Adapter) Watch(w Watcher, apply func(cart.Persisted)) {
	stop := w.Watch(a.key, func(value []byte) {
		a.remote(value, apply)
	})

	a.mu.Lock()
	a.stopWatch = stop
	a.mu.Unlock()
}

func (a *Adapter) remote(value []byte, apply func(cart.Persisted)) {
	p := cart.Persisted{}
	if len(value) > 0 {
		decoded, err := Decode(value)
		if err != nil {
			a.lg.Warn("Ignoring unreadable remote cart change", zap.Error(err))
			return
		}
		p = decoded
	}

	a.mu.Lock()
	if a.closed || a.isOwnLocked(value) {
		a.mu.Unlock()
		return
	}
	if a.pending != nil {
		a.lg.Info("Remote cart change supersedes pending local write")
	}
	a.pending = nil
	a.own = [][]byte{value}
	a.mu.Unlock()

	apply(p)
}

func (a *Adapter) isOwnLocked(value []byte) bool {
	for _, v := range a.own {
		if bytes.Equal(v, value) {
			return true
		}
	}
	return false
}

func (a *Adapter) scheduleLocked(d time.Duration) {
	if a.timer == nil {
		a.timer = time.AfterFunc(d, a.fire)
		return
	}
	a.timer.Reset(d)
}

func (a *Adapter) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
	defer cancel()

	_ = a.write(ctx)
}

func (a *Adapter) write(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.mu.Lock()
	p := a.pending
	if p == nil {
		a.mu.Unlock()
		return nil
	}
	a.pending = nil
	// An empty cart removes the key.
	data := []byte{}
	if !p.Empty() {
		data = Encode(*p)
	}
	// Watchers may report this write before it returns.
	a.own = append(a.own, data)
	if len(a.own) > ownHistory {
		a.own = a.own[len(a.own)-ownHistory:]
	}
	a.mu.Unlock()

	var err error
	if len(data) == 0 {
		err = a.storage.Delete(ctx, a.key)
	} else {
		err = a.storage.Set(ctx, a.key, data)
	}

	a.mu.Lock()
	if err == nil {
		a.retryDelay = 0
	} else {
		a.own = slices.DeleteFunc(a.own, func(v []byte) bool { return bytes.Equal(v, data) })
		if a.pending == nil && !a.closed {
			// Nothing newer was queued: retry this state with backoff.
			a.pending = p
			a.retryDelay = min(max(2*a.retryDelay, a.opts.Debounce), a.opts.MaxRetryDelay)
			a.scheduleLocked(a.retryDelay)
		}
	}
	report := a.report
	a.mu.Unlock()

	if err != nil {
		a.lg.Warn("Failed to write cart", zap.Error(err))
		err = errors.Wrap(err, "write cart state")
	}
	if report != nil {
		report(err)
	}
	return err
}
