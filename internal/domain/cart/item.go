package cart

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/domain/product"
)

// variantSeparator joins product id and variant in a line item id.
const variantSeparator = ":"

// Sentinel errors for invalid AddItem input.
var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidProduct  = errors.New("invalid product")
)

// Item is a cart line: a product, an optional variant and a quantity.
// Saved-for-later entries use the same shape; their quantity is kept for
// restoration but excluded from totals.
type Item struct {
	ID        string
	ProductID string
	Name      string
	Price     decimal.Decimal
	Images    []string
	Quantity  int
	Variant   string
}

// LineTotal returns Price * Quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i Item) clone() Item {
	i.Images = append([]string(nil), i.Images...)
	return i
}

// ItemID derives the line id from product id and variant. Adding the same
// pair twice therefore targets the same line.
func ItemID(productID, variant string) string {
	variant = strings.TrimSpace(variant)
	if variant == "" {
		return productID
	}
	return productID + variantSeparator + variant
}

// newItem builds a line item from a catalog snapshot.
func newItem(p product.Product, qty int) Item {
	variant := strings.TrimSpace(p.SelectedVariant)
	return Item{
		ID:        ItemID(p.ID, variant),
		ProductID: p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Images:    append([]string(nil), p.Images...),
		Quantity:  qty,
		Variant:   variant,
	}
}

// validateProduct checks the snapshot fields the cart depends on.
func validateProduct(p product.Product) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return errors.Wrap(ErrInvalidProduct, "id required")
	case p.Price.IsNegative():
		return errors.Wrapf(ErrInvalidProduct, "product %s: negative price", p.ID)
	case len(p.Images) == 0:
		return errors.Wrapf(ErrInvalidProduct, "product %s: at least one image required", p.ID)
	}
	return nil
}

// ValidateItem checks a single line against the model invariants.
func ValidateItem(it Item) error {
	if it.ID == "" || it.ProductID == "" {
		return errors.New("item id required")
	}
	if it.ID != ItemID(it.ProductID, it.Variant) {
		return errors.Errorf("item %s: id does not match product %s and variant %q", it.ID, it.ProductID, it.Variant)
	}
	if it.Quantity < 1 {
		return errors.Errorf("item %s: quantity %d below 1", it.ID, it.Quantity)
	}
	if it.Price.IsNegative() {
		return errors.Errorf("item %s: negative price", it.ID)
	}
	if len(it.Images) == 0 {
		return errors.Errorf("item %s: no images", it.ID)
	}
	return nil
}

func indexOf(items []Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func removeAt(items []Item, i int) []Item {
	return append(items[:i:i], items[i+1:]...)
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	out := make([]Item, len(items))
	for i := range items {
		out[i] = items[i].clone()
	}
	return out
}
