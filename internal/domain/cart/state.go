package cart

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// State is an immutable snapshot of a cart. Slices are copies; mutating them
// does not affect the Store.
type State struct {
	Items      []Item
	SavedItems []Item
	IsOpen     bool
	IsLoading  bool
	// Err is the condition recorded by the most recent operation, if any.
	Err *Error
}

// Subtotal is recomputed from Items on every call.
func (s State) Subtotal() decimal.Decimal {
	return Subtotal(s.Items)
}

// ItemCount is recomputed from Items on every call.
func (s State) ItemCount() int {
	return ItemCount(s.Items)
}

// Persisted returns the durable subset of the state.
func (s State) Persisted() Persisted {
	return Persisted{
		Items:      cloneItems(s.Items),
		SavedItems: cloneItems(s.SavedItems),
	}
}

// Persisted is the part of a cart that survives the session: active and
// saved lines. Visibility and status flags are never persisted.
type Persisted struct {
	Items      []Item
	SavedItems []Item
}

// Empty reports whether both lists are empty.
func (p Persisted) Empty() bool {
	return len(p.Items) == 0 && len(p.SavedItems) == 0
}

// Validate checks every model invariant: valid lines, unique ids within each
// list and disjoint lists.
func (p Persisted) Validate() error {
	seen := make(map[string]bool, len(p.Items)+len(p.SavedItems))
	for _, it := range p.Items {
		if err := ValidateItem(it); err != nil {
			return errors.Wrap(err, "items")
		}
		if seen[it.ID] {
			return errors.Errorf("items: duplicate id %s", it.ID)
		}
		seen[it.ID] = true
	}
	saved := make(map[string]bool, len(p.SavedItems))
	for _, it := range p.SavedItems {
		if err := ValidateItem(it); err != nil {
			return errors.Wrap(err, "saved items")
		}
		if saved[it.ID] {
			return errors.Errorf("saved items: duplicate id %s", it.ID)
		}
		if seen[it.ID] {
			return errors.Errorf("item %s is both active and saved", it.ID)
		}
		saved[it.ID] = true
	}
	return nil
}
