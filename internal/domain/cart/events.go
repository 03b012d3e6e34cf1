package cart

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind names a completed cart mutation.
type EventKind string

// Event kinds published by the Store.
const (
	EventItemAdded        EventKind = "item-added"
	EventItemRemoved      EventKind = "item-removed"
	EventQuantityUpdated  EventKind = "quantity-updated"
	EventItemSaved        EventKind = "item-saved"
	EventItemRestored     EventKind = "item-restored"
	EventSavedItemRemoved EventKind = "saved-item-removed"
	EventCartCleared      EventKind = "cart-cleared"
	EventCartHydrated     EventKind = "cart-hydrated"
	EventCartSynced       EventKind = "cart-synced"
	EventError            EventKind = "error"
)

// Event describes a completed mutation. Quantity is the final quantity of
// the affected line, when there is one.
type Event struct {
	Kind     EventKind
	CartID   string
	ItemID   string
	Quantity int
	Err      *Error
}

// Bus fans events out to subscribers. It is purely observational: a Bus
// with no subscribers is valid and publishing never fails.
type Bus struct {
	lg *zap.Logger

	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

// NewBus creates an empty Bus. A nil logger is replaced with a no-op one.
func NewBus(lg *zap.Logger) *Bus {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Bus{lg: lg, subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber synchronously. Order between
// subscribers is unspecified. A panicking subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, e)
	}
}

func (b *Bus) deliver(fn func(Event), e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.lg.Error("Cart event subscriber panicked",
				zap.String("event", string(e.Kind)),
				zap.Any("panic", rec),
			)
		}
	}()
	fn(e)
}
