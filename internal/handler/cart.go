package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/product"
)

type addItemRequest struct {
	ProductID string
	Variant   string
	Quantity  int
}

// GetCart returns the cart snapshot of the session.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	st, release, ok := h.store(w, r)
	if !ok {
		return
	}
	defer release()
	h.writeCart(w, http.StatusOK, st.Snapshot())
}

// AddItem adds a catalog product to the cart. Quantity defaults to 1.
// Quantities beyond stock are clamped and reported in the snapshot error.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAddItem(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := h.products.GetByID(r.Context(), req.ProductID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		zctx.From(r.Context()).Error("Get product", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !p.HasVariant(req.Variant) {
		writeError(w, http.StatusBadRequest, "unknown variant "+req.Variant)
		return
	}

	st, release, ok := h.store(w, r)
	if !ok {
		return
	}
	defer release()
	res, err := st.AddItem(p.WithVariant(req.Variant), req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.Added == 0 {
		h.writeCart(w, http.StatusOK, st.Snapshot())
		return
	}
	h.writeCart(w, http.StatusCreated, st.Snapshot())
}

// UpdateQuantity sets the quantity of an active line. Zero removes it.
func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	qty, err := decodeQuantity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, release, ok := h.store(w, r)
	if !ok {
		return
	}
	defer release()
	st.UpdateQuantity(itemID(r), qty)
	h.writeCart(w, http.StatusOK, st.Snapshot())
}

// RemoveItem removes an active line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.RemoveItem(itemID(r))
		return nil
	})
}

// SaveForLater moves an active line to the saved list.
func (h *Handler) SaveForLater(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		return st.SaveForLater(itemID(r))
	})
}

// MoveToCart restores a saved line to the active list.
func (h *Handler) MoveToCart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		return st.MoveToCart(itemID(r))
	})
}

// RemoveSavedItem drops a saved line.
func (h *Handler) RemoveSavedItem(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.RemoveSavedItem(itemID(r))
		return nil
	})
}

// ClearCart empties the active lines.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.ClearCart()
		return nil
	})
}

// OpenCart marks the cart drawer visible.
func (h *Handler) OpenCart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.Open()
		return nil
	})
}

// CloseCart marks the cart drawer hidden.
func (h *Handler) CloseCart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.Close()
		return nil
	})
}

// DismissError clears the recorded condition.
func (h *Handler) DismissError(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(st *cart.Store) error {
		st.DismissError()
		return nil
	})
}

// apply runs fn against the session cart and writes the resulting snapshot.
// ErrItemNotFound maps to 404; the condition is also recorded in the cart.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, fn func(st *cart.Store) error) {
	st, release, ok := h.store(w, r)
	if !ok {
		return
	}
	defer release()
	if err := fn(st); err != nil {
		if errors.Is(err, cart.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		zctx.From(r.Context()).Error("Cart operation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeCart(w, http.StatusOK, st.Snapshot())
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) > maxBodySize {
		return nil, errors.New("body too large")
	}
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	return data, nil
}

func decodeAddItem(r *http.Request) (addItemRequest, error) {
	data, err := readBody(r)
	if err != nil {
		return addItemRequest{}, err
	}

	req := addItemRequest{Quantity: 1}
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "productId":
			v, err := d.Str()
			req.ProductID = v
			return err
		case "variant", "selectedVariant":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.Variant = v
			return err
		case "quantity":
			v, err := d.Int()
			req.Quantity = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return addItemRequest{}, errors.Wrap(err, "decode request")
	}

	switch {
	case req.ProductID == "":
		return addItemRequest{}, errors.New("productId required")
	case req.Quantity < 1:
		return addItemRequest{}, errors.Errorf("quantity must be at least 1, got %d", req.Quantity)
	}
	return req, nil
}

func decodeQuantity(r *http.Request) (int, error) {
	data, err := readBody(r)
	if err != nil {
		return 0, err
	}

	qty, seen := 0, false
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		v, err := d.Int()
		qty, seen = v, true
		return err
	}); err != nil {
		return 0, errors.Wrap(err, "decode request")
	}

	switch {
	case !seen:
		return 0, errors.New("quantity required")
	case qty < 0:
		return 0, errors.Errorf("quantity must not be negative, got %d", qty)
	}
	return qty, nil
}

// writeCart writes the snapshot with derived totals:
//
//	{"items":[...], "savedItems":[...], "subtotal", "itemCount", "isOpen", "isLoading", "error"}
func (h *Handler) writeCart(w http.ResponseWriter, status int, s cart.State) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("items", func(e *jx.Encoder) { h.encodeItems(e, s.Items) })
		e.Field("savedItems", func(e *jx.Encoder) { h.encodeItems(e, s.SavedItems) })
		e.Field("subtotal", func(e *jx.Encoder) { e.Num(jx.Num(s.Subtotal().StringFixed(2))) })
		e.Field("itemCount", func(e *jx.Encoder) { e.Int(s.ItemCount()) })
		e.Field("isOpen", func(e *jx.Encoder) { e.Bool(s.IsOpen) })
		e.Field("isLoading", func(e *jx.Encoder) { e.Bool(s.IsLoading) })
		e.Field("error", func(e *jx.Encoder) { encodeCondition(e, s.Err) })
	})
	writeJSON(w, status, &e)
}

func (h *Handler) encodeItems(e *jx.Encoder, items []cart.Item) {
	e.ArrStart()
	for _, it := range items {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(it.ID) })
			e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
			e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
			e.Field("price", func(e *jx.Encoder) { e.Num(jx.Num(it.Price.String())) })
			e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
			if it.Variant != "" {
				e.Field("selectedVariant", func(e *jx.Encoder) { e.Str(it.Variant) })
			}
			e.Field("images", func(e *jx.Encoder) {
				e.ArrStart()
				for _, img := range it.Images {
					e.Str(h.imageURL(img))
				}
				e.ArrEnd()
			})
			e.Field("lineTotal", func(e *jx.Encoder) { e.Num(jx.Num(it.LineTotal().StringFixed(2))) })
		})
	}
	e.ArrEnd()
}

func encodeCondition(e *jx.Encoder, c *cart.Error) {
	if c == nil {
		e.Null()
		return
	}
	e.Obj(func(e *jx.Encoder) {
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(c.Kind)) })
		e.Field("message", func(e *jx.Encoder) { e.Str(c.Error()) })
		e.Field("warning", func(e *jx.Encoder) { e.Bool(c.Warning()) })
		if c.ItemID != "" {
			e.Field("itemId", func(e *jx.Encoder) { e.Str(c.ItemID) })
		}
		if c.Kind == cart.KindQuantityClamped {
			e.Field("requested", func(e *jx.Encoder) { e.Int(c.Requested) })
			e.Field("allowed", func(e *jx.Encoder) { e.Int(c.Allowed) })
		}
	})
}
