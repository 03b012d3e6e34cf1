package cart

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies a recorded cart condition.
type Kind string

const (
	// KindItemNotFound means an operation referenced an id that is not present.
	// Usually a stale reference from a double click or a concurrent remove.
	KindItemNotFound Kind = "item_not_found"
	// KindQuantityClamped means a requested quantity was reduced to fit stock.
	KindQuantityClamped Kind = "quantity_clamped"
	// KindPersistenceFailure means the latest state may not be durable. The
	// in-memory state is still correct.
	KindPersistenceFailure Kind = "persistence_failure"
	// KindHydrationFailure means persisted state was unreadable and the cart
	// started empty.
	KindHydrationFailure Kind = "hydration_failure"
)

// Sentinels matched by Error.Is, so callers can write
// errors.Is(err, cart.ErrItemNotFound).
var (
	ErrItemNotFound       = errors.New("item not found")
	ErrQuantityClamped    = errors.New("quantity clamped to available stock")
	ErrPersistenceFailure = errors.New("cart could not be saved")
	ErrHydrationFailure   = errors.New("saved cart could not be loaded")
)

var kindSentinels = map[Kind]error{
	KindItemNotFound:       ErrItemNotFound,
	KindQuantityClamped:    ErrQuantityClamped,
	KindPersistenceFailure: ErrPersistenceFailure,
	KindHydrationFailure:   ErrHydrationFailure,
}

// Error is a recorded cart condition. None of them abort the cart: the
// operation either succeeded, succeeded partially, or was a no-op.
type Error struct {
	Kind   Kind
	ItemID string
	// Requested and Allowed are set for KindQuantityClamped.
	Requested int
	Allowed   int
	// Err is the underlying cause for persistence and hydration failures.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindItemNotFound:
		return fmt.Sprintf("item %s not found", e.ItemID)
	case KindQuantityClamped:
		return fmt.Sprintf("item %s: quantity %d clamped to %d", e.ItemID, e.Requested, e.Allowed)
	}
	msg := kindSentinels[e.Kind]
	if msg == nil {
		return string(e.Kind)
	}
	if e.Err != nil {
		return msg.Error() + ": " + e.Err.Error()
	}
	return msg.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Warning reports whether e is informational rather than a failure.
func (e *Error) Warning() bool {
	return e.Kind == KindQuantityClamped
}

func (e *Error) clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func itemNotFound(id string) *Error {
	return &Error{Kind: KindItemNotFound, ItemID: id}
}
