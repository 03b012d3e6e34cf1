package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a read-only catalog snapshot supplied to the cart at add time.
// The cart trusts it and never re-validates against a live catalog.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	Images   []string
	// Variants lists the configurations a customer may choose from. Empty
	// means the product has no variants.
	Variants []string
	// Stock is the available quantity. Nil means unknown, treated as unbounded.
	Stock *int

	// SelectedVariant is the configuration chosen by the customer. It is part
	// of the cart line identity.
	SelectedVariant string
}

// HasVariant reports whether v is an offered variant. The empty variant is
// always accepted.
func (p Product) HasVariant(v string) bool {
	if v == "" {
		return true
	}
	for _, known := range p.Variants {
		if known == v {
			return true
		}
	}
	return false
}

// WithVariant returns a copy of p with SelectedVariant set to v.
func (p Product) WithVariant(v string) Product {
	p.SelectedVariant = v
	return p
}

// StockOf returns a pointer to n, for building products with known stock.
func StockOf(n int) *int {
	return &n
}

// Catalog defines read operations for the product catalog.
type Catalog interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
}
