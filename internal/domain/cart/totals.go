package cart

import "github.com/shopspring/decimal"

// Subtotal returns the sum of price * quantity over items. Callers pass the
// active lines only; saved lines never contribute.
func Subtotal(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal())
	}
	return total
}

// ItemCount returns the sum of quantities over items.
func ItemCount(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
