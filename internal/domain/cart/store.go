package cart

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/product"
)

// Persister durably stores the cart. Save must not block: implementations
// are expected to queue and coalesce writes, reporting failures back through
// Store.ReportPersistence.
type Persister interface {
	Save(p Persisted)
	Flush(ctx context.Context) error
}

// Loader reads persisted state at startup. On failure it returns an empty
// Persisted together with the error.
type Loader interface {
	Load(ctx context.Context) (Persisted, error)
}

// AddResult describes the outcome of AddItem.
type AddResult struct {
	ItemID string
	// Quantity is the final quantity of the line.
	Quantity int
	// Added is how many units were actually added after clamping.
	Added   int
	Clamped bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the Store logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Store) { s.lg = lg }
}

// WithID sets the cart id attached to published events.
func WithID(id string) Option {
	return func(s *Store) { s.id = id }
}

// WithBus publishes events on b instead of a private Bus.
func WithBus(b *Bus) Option {
	return func(s *Store) { s.bus = b }
}

// Store owns one cart. Every mutation is applied under a single lock, so
// invariants hold between any two operations; persistence is handed off to
// the Persister and events are published after the lock is released.
type Store struct {
	id        string
	lg        *zap.Logger
	persister Persister
	bus       *Bus

	mu        sync.Mutex
	items     []Item
	saved     []Item
	isOpen    bool
	isLoading bool
	err       *Error
	// rev counts durable mutations. Hydrate uses it to detect edits made
	// while loading.
	rev uint64
}

// NewStore creates an empty Store. A nil Persister disables durability.
func NewStore(p Persister, opts ...Option) *Store {
	s := &Store{persister: p}
	for _, o := range opts {
		o(s)
	}
	if s.lg == nil {
		s.lg = zap.NewNop()
	}
	if s.persister == nil {
		s.persister = nopPersister{}
	}
	if s.bus == nil {
		s.bus = NewBus(s.lg)
	}
	return s
}

// Subscribe registers fn for events from this Store.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Items:      cloneItems(s.items),
		SavedItems: cloneItems(s.saved),
		IsOpen:     s.isOpen,
		IsLoading:  s.isLoading,
		Err:        s.err.clone(),
	}
}

// AddItem adds qty units of the product snapshot. A line with the same
// product and variant is merged by incrementing its quantity. When the
// product has known stock, the total is clamped to it and a
// KindQuantityClamped condition is recorded. If the line was saved for
// later, the saved entry is dropped so the line lives in exactly one list.
//
// The returned error is only non-nil for invalid input.
func (s *Store) AddItem(p product.Product, qty int) (AddResult, error) {
	if qty < 1 {
		return AddResult{}, errors.Wrapf(ErrInvalidQuantity, "got %d", qty)
	}
	if err := validateProduct(p); err != nil {
		return AddResult{}, err
	}
	line := newItem(p, qty)

	s.mu.Lock()
	existing := 0
	i := indexOf(s.items, line.ID)
	if i >= 0 {
		existing = s.items[i].Quantity
	}

	added := qty
	var cond *Error
	if p.Stock != nil && existing+qty > *p.Stock {
		added = max(*p.Stock-existing, 0)
		cond = &Error{
			Kind:      KindQuantityClamped,
			ItemID:    line.ID,
			Requested: existing + qty,
			Allowed:   existing + added,
		}
	}
	final := existing + added

	if added > 0 {
		line.Quantity = final
		if i >= 0 {
			s.items[i] = line
		} else {
			s.items = append(s.items, line)
		}
		if j := indexOf(s.saved, line.ID); j >= 0 {
			s.saved = removeAt(s.saved, j)
		}
		s.changedLocked()
	}
	s.settleLocked(cond)
	s.mu.Unlock()

	if added > 0 {
		s.publish(Event{Kind: EventItemAdded, ItemID: line.ID, Quantity: final})
	}
	if cond != nil {
		s.lg.Info("Quantity clamped to stock",
			zap.String("item", line.ID),
			zap.Int("requested", cond.Requested),
			zap.Int("allowed", cond.Allowed),
		)
		s.publish(Event{Kind: EventError, ItemID: line.ID, Quantity: final, Err: cond.clone()})
	}

	return AddResult{
		ItemID:   line.ID,
		Quantity: final,
		Added:    added,
		Clamped:  cond != nil,
	}, nil
}

// RemoveItem removes an active line. Unknown ids are ignored.
func (s *Store) RemoveItem(id string) {
	s.mu.Lock()
	s.settleLocked(nil)
	i := indexOf(s.items, id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.items = removeAt(s.items, i)
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventItemRemoved, ItemID: id})
}

// UpdateQuantity sets the quantity of an active line. A quantity below 1
// removes the line. Unknown ids are ignored: the line was most likely
// removed concurrently.
func (s *Store) UpdateQuantity(id string, qty int) {
	if qty < 1 {
		s.RemoveItem(id)
		return
	}

	s.mu.Lock()
	s.settleLocked(nil)
	i := indexOf(s.items, id)
	if i < 0 || s.items[i].Quantity == qty {
		s.mu.Unlock()
		return
	}
	s.items[i].Quantity = qty
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventQuantityUpdated, ItemID: id, Quantity: qty})
}

// SaveForLater moves an active line to the saved list, keeping its quantity.
// An unknown id records KindItemNotFound, which is also returned.
func (s *Store) SaveForLater(id string) error {
	s.mu.Lock()
	i := indexOf(s.items, id)
	if i < 0 {
		cond := itemNotFound(id)
		s.settleLocked(cond)
		s.mu.Unlock()
		s.publish(Event{Kind: EventError, ItemID: id, Err: cond.clone()})
		return cond
	}
	it := s.items[i]
	s.items = removeAt(s.items, i)
	if j := indexOf(s.saved, id); j >= 0 {
		s.saved[j] = it
	} else {
		s.saved = append(s.saved, it)
	}
	s.settleLocked(nil)
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventItemSaved, ItemID: id, Quantity: it.Quantity})
	return nil
}

// MoveToCart moves a saved line back to the active list. If an active line
// with the same id exists, quantities are added. An unknown id records
// KindItemNotFound, which is also returned.
func (s *Store) MoveToCart(id string) error {
	s.mu.Lock()
	j := indexOf(s.saved, id)
	if j < 0 {
		cond := itemNotFound(id)
		s.settleLocked(cond)
		s.mu.Unlock()
		s.publish(Event{Kind: EventError, ItemID: id, Err: cond.clone()})
		return cond
	}
	it := s.saved[j]
	s.saved = removeAt(s.saved, j)
	final := it.Quantity
	if i := indexOf(s.items, id); i >= 0 {
		s.items[i].Quantity += it.Quantity
		final = s.items[i].Quantity
	} else {
		s.items = append(s.items, it)
	}
	s.settleLocked(nil)
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventItemRestored, ItemID: id, Quantity: final})
	return nil
}

// RemoveSavedItem drops a saved line. Unknown ids are ignored.
func (s *Store) RemoveSavedItem(id string) {
	s.mu.Lock()
	s.settleLocked(nil)
	j := indexOf(s.saved, id)
	if j < 0 {
		s.mu.Unlock()
		return
	}
	s.saved = removeAt(s.saved, j)
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventSavedItemRemoved, ItemID: id})
}

// ClearCart empties the active lines. Saved lines are kept. Checkout calls
// this once an order is confirmed.
func (s *Store) ClearCart() {
	s.mu.Lock()
	s.settleLocked(nil)
	if len(s.items) == 0 {
		s.mu.Unlock()
		return
	}
	s.items = nil
	s.changedLocked()
	s.mu.Unlock()

	s.publish(Event{Kind: EventCartCleared})
}

// Open marks the cart drawer visible. It never touches totals or storage.
func (s *Store) Open() {
	s.mu.Lock()
	s.isOpen = true
	s.mu.Unlock()
}

// Close marks the cart drawer hidden.
func (s *Store) Close() {
	s.mu.Lock()
	s.isOpen = false
	s.mu.Unlock()
}

// DismissError clears the recorded condition.
func (s *Store) DismissError() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}

// Hydrate replaces the cart with state read by l. IsLoading is set for the
// duration of the load. If the cart was mutated while loading, the
// in-memory state is kept since it is already queued for saving.
func (s *Store) Hydrate(ctx context.Context, l Loader) {
	s.mu.Lock()
	s.isLoading = true
	rev := s.rev
	s.mu.Unlock()

	p, err := l.Load(ctx)

	s.mu.Lock()
	s.isLoading = false
	applied := s.rev == rev
	if applied {
		s.items = cloneItems(p.Items)
		s.saved = cloneItems(p.SavedItems)
	}
	var cond *Error
	if err != nil {
		cond = hydrationFailure(err)
		s.err = cond
	}
	s.mu.Unlock()

	if !applied {
		s.lg.Info("Cart changed during hydration, keeping in-memory state")
	}
	s.publish(Event{Kind: EventCartHydrated})
	if cond != nil {
		s.publish(Event{Kind: EventError, Err: cond.clone()})
	}
}

// ApplyRemote replaces both lists with state written elsewhere, such as
// another tab. The whole state wins; there is no per-line merge. Nothing is
// written back since the state is already durable.
func (s *Store) ApplyRemote(p Persisted) {
	s.mu.Lock()
	s.items = cloneItems(p.Items)
	s.saved = cloneItems(p.SavedItems)
	s.rev++
	s.mu.Unlock()

	s.publish(Event{Kind: EventCartSynced})
}

// ReportPersistence records the outcome of a durable write. A failure
// records KindPersistenceFailure; a later success clears it. The in-memory
// state is never rolled back.
func (s *Store) ReportPersistence(err error) {
	s.mu.Lock()
	if err == nil {
		if s.err != nil && s.err.Kind == KindPersistenceFailure {
			s.err = nil
		}
		s.mu.Unlock()
		return
	}
	cond := &Error{Kind: KindPersistenceFailure, Err: err}
	s.err = cond
	s.mu.Unlock()

	s.lg.Warn("Cart persistence failed", zap.Error(err))
	s.publish(Event{Kind: EventError, Err: cond.clone()})
}

// Flush forces any pending write.
func (s *Store) Flush(ctx context.Context) error {
	return s.persister.Flush(ctx)
}

// changedLocked queues the current lists for saving. Called with s.mu held
// so saves are queued in mutation order.
func (s *Store) changedLocked() {
	s.rev++
	s.persister.Save(Persisted{
		Items:      cloneItems(s.items),
		SavedItems: cloneItems(s.saved),
	})
}

// settleLocked records cond, or clears a stale per-operation condition when
// cond is nil. Persistence and hydration failures stay until resolved or
// dismissed.
func (s *Store) settleLocked(cond *Error) {
	if cond != nil {
		s.err = cond
		return
	}
	if s.err != nil && (s.err.Kind == KindItemNotFound || s.err.Kind == KindQuantityClamped) {
		s.err = nil
	}
}

func (s *Store) publish(e Event) {
	e.CartID = s.id
	s.bus.Publish(e)
}

func hydrationFailure(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindHydrationFailure {
		return ce.clone()
	}
	return &Error{Kind: KindHydrationFailure, Err: err}
}

type nopPersister struct{}

func (nopPersister) Save(Persisted) {}

func (nopPersister) Flush(context.Context) error { return nil }
