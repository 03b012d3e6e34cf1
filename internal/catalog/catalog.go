// Package catalog provides a read-only in-memory product catalog and the
// JSON seed format shared with cmd/seed-catalog.
package catalog

import (
	"context"
	"os"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-cart/internal/domain/product"
	"github.com/xenking/kart-cart/internal/persist"
)

var _ product.Catalog = (*Memory)(nil)

// Memory is an immutable catalog held in memory.
type Memory struct {
	products []product.Product
	byID     map[string]int
}

// NewMemory builds a catalog from products. Ids must be unique.
func NewMemory(products []product.Product) (*Memory, error) {
	m := &Memory{
		products: slices.Clone(products),
		byID:     make(map[string]int, len(products)),
	}
	slices.SortFunc(m.products, func(a, b product.Product) int { return strings.Compare(a.ID, b.ID) })
	for i, p := range m.products {
		if _, dup := m.byID[p.ID]; dup {
			return nil, errors.Errorf("duplicate product id %q", p.ID)
		}
		m.byID[p.ID] = i
	}
	return m, nil
}

// List returns all products ordered by id.
func (m *Memory) List(context.Context) ([]product.Product, error) {
	return slices.Clone(m.products), nil
}

// GetByID returns the product with id or product.ErrNotFound.
func (m *Memory) GetByID(_ context.Context, id string) (*product.Product, error) {
	i, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	p := m.products[i]
	return &p, nil
}

// ReadFile reads a JSON product list from path.
func ReadFile(path string) ([]product.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	return Parse(data)
}

// Parse decodes a JSON array of products:
//
//	[{"id", "name", "price", "category", "images": [], "variants": [], "stock"?}]
//
// A missing or null stock means unknown stock.
func Parse(data []byte) ([]product.Product, error) {
	var products []product.Product
	d := jx.DecodeBytes(data)
	if err := d.Arr(func(d *jx.Decoder) error {
		p, err := decodeProduct(d)
		if err != nil {
			return errors.Wrapf(err, "product %d", len(products))
		}
		if err := validate(p); err != nil {
			return errors.Wrapf(err, "product %q", p.ID)
		}
		products = append(products, p)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "parse catalog")
	}
	return products, nil
}

func decodeProduct(d *jx.Decoder) (product.Product, error) {
	var p product.Product
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "price":
			p.Price, err = persist.DecodeDecimal(d)
		case "category":
			p.Category, err = d.Str()
		case "images":
			p.Images, err = decodeStrings(d)
		case "variants":
			p.Variants, err = decodeStrings(d)
		case "stock":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n int
			n, err = d.Int()
			p.Stock = &n
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	return p, err
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

func validate(p product.Product) error {
	switch {
	case p.ID == "":
		return errors.New("id required")
	case p.Price.IsNegative():
		return errors.New("negative price")
	case len(p.Images) == 0:
		return errors.New("at least one image required")
	case p.Stock != nil && *p.Stock < 0:
		return errors.New("negative stock")
	}
	return nil
}

// Encode writes products as a JSON object value for API responses.
func Encode(e *jx.Encoder, p product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("price", func(e *jx.Encoder) { e.Num(jx.Num(p.Price.String())) })
		e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
		e.Field("images", func(e *jx.Encoder) { encodeStrings(e, p.Images) })
		e.Field("variants", func(e *jx.Encoder) { encodeStrings(e, p.Variants) })
		e.Field("stock", func(e *jx.Encoder) {
			if p.Stock == nil {
				e.Null()
				return
			}
			e.Int(*p.Stock)
		})
	})
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}
