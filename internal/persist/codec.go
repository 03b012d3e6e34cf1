package persist

import (
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/domain/cart"
)

// Encode serializes the durable cart state:
//
//	{"items":[{id, productId, name, price, quantity, selectedVariant?, images[]}], "savedItems":[...]}
func Encode(p cart.Persisted) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("items", func(e *jx.Encoder) { encodeItems(e, p.Items) })
		e.Field("savedItems", func(e *jx.Encoder) { encodeItems(e, p.SavedItems) })
	})
	return e.Bytes()
}

func encodeItems(e *jx.Encoder, items []cart.Item) {
	e.ArrStart()
	for _, it := range items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ID)
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("price")
		e.Num(jx.Num(it.Price.String()))
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		if it.Variant != "" {
			e.FieldStart("selectedVariant")
			e.Str(it.Variant)
		}
		e.FieldStart("images")
		e.ArrStart()
		for _, img := range it.Images {
			e.Str(img)
		}
		e.ArrEnd()
		e.ObjEnd()
	}
	e.ArrEnd()
}

// Decode parses data written by Encode and checks the model invariants.
// Unknown fields are ignored; a missing list decodes as empty.
func Decode(data []byte) (cart.Persisted, error) {
	if len(data) == 0 {
		return cart.Persisted{}, errors.New("empty document")
	}

	p := cart.Persisted{Items: []cart.Item{}, SavedItems: []cart.Item{}}
	d := jx.DecodeBytes(data)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			p.Items, err = decodeItems(d)
		case "savedItems":
			p.SavedItems, err = decodeItems(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return cart.Persisted{}, errors.Wrap(err, "decode cart state")
	}
	// Only whitespace may follow the object.
	if err := d.Skip(); !errors.Is(err, io.EOF) {
		return cart.Persisted{}, errors.New("decode cart state: trailing data")
	}

	if err := p.Validate(); err != nil {
		return cart.Persisted{}, errors.Wrap(err, "invalid cart state")
	}
	return p, nil
}

func decodeItems(d *jx.Decoder) ([]cart.Item, error) {
	if d.Next() == jx.Null {
		return []cart.Item{}, d.Null()
	}
	items := []cart.Item{}
	err := d.Arr(func(d *jx.Decoder) error {
		it, err := decodeItem(d)
		if err != nil {
			return errors.Wrapf(err, "item %d", len(items))
		}
		items = append(items, it)
		return nil
	})
	return items, err
}

func decodeItem(d *jx.Decoder) (cart.Item, error) {
	var it cart.Item
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			it.ID, err = d.Str()
		case "productId":
			it.ProductID, err = d.Str()
		case "name":
			it.Name, err = d.Str()
		case "price":
			it.Price, err = DecodeDecimal(d)
		case "quantity":
			it.Quantity, err = d.Int()
		case "selectedVariant":
			if d.Next() == jx.Null {
				return d.Null()
			}
			it.Variant, err = d.Str()
		case "images":
			err = d.Arr(func(d *jx.Decoder) error {
				img, err := d.Str()
				it.Images = append(it.Images, img)
				return err
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	return it, err
}

// DecodeDecimal reads a JSON number or numeric string as a decimal.
func DecodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}
