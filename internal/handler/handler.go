// Package handler exposes per-session carts and the product catalog over
// HTTP.
package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/product"
	"github.com/xenking/kart-cart/internal/session"
	"github.com/xenking/kart-cart/pkg/httpmiddleware"
)

const (
	// SessionHeader carries the session id. It takes precedence over the
	// cookie and is echoed on every cart response.
	SessionHeader = "X-Cart-Session"
	// SessionCookie carries the session id for browsers.
	SessionCookie = "cart_session"

	maxSessionLen = 128
	maxBodySize   = 64 << 10
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in responses.
	// When empty, image paths are returned as stored.
	ImageBaseURL string `usage:"Prefix for relative product image paths" flag:"image-base-url"`
	// CookieMaxAge is the lifetime of issued session cookies.
	CookieMaxAge time.Duration `default:"720h" usage:"Lifetime of the session cookie" flag:"cookie-max-age"`
	// CookieSecure marks issued session cookies Secure.
	CookieSecure bool `usage:"Mark the session cookie Secure" flag:"cookie-secure"`
}

// Handler serves the cart API. Carts are looked up in the session registry;
// products come from the catalog.
type Handler struct {
	carts    *session.Registry
	products product.Catalog
	cfg      Config
}

// New constructs a Handler with the required dependencies.
func New(cfg Config, carts *session.Registry, products product.Catalog) *Handler {
	return &Handler{
		carts:    carts,
		products: products,
		cfg:      cfg,
	}
}

// Routes returns the API router. Paths are rooted at /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpmiddleware.RouteLabel(), httpmiddleware.LogRequests())

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Post("/open", h.OpenCart)
			r.Post("/close", h.CloseCart)
			r.Delete("/error", h.DismissError)

			r.Post("/items", h.AddItem)
			r.Patch("/items/{id}", h.UpdateQuantity)
			r.Delete("/items/{id}", h.RemoveItem)
			r.Post("/items/{id}/save", h.SaveForLater)

			r.Post("/saved/{id}/restore", h.MoveToCart)
			r.Delete("/saved/{id}", h.RemoveSavedItem)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// SessionID returns the session id of r, or "" when the request carries
// none. Invalid ids are treated as absent.
func SessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); validSession(id) {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil && validSession(c.Value) {
		return c.Value
	}
	return ""
}

// session resolves the session of r, issuing a new one through a cookie
// when the request has none.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) string {
	id := SessionID(r)
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    id,
			Path:     "/",
			MaxAge:   int(h.cfg.CookieMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   h.cfg.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.Header().Set(SessionHeader, id)
	return id
}

func validSession(id string) bool {
	if id == "" || len(id) > maxSessionLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// store returns the cart of the request session. On failure the response
// is already written. The caller releases the cart when done.
func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*cart.Store, func(), bool) {
	id := h.session(w, r)
	st, release, err := h.carts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return nil, nil, false
		}
		zctx.From(r.Context()).Error("Open cart", zap.String("session", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}
	return st, release, true
}

// itemID returns the {id} path parameter. Ids embed variants, which may
// contain escaped characters.
func itemID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return id
	}
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}
	return id
}

func (h *Handler) imageURL(path string) string {
	if h.cfg.ImageBaseURL == "" || strings.Contains(path, "://") {
		return path
	}
	return strings.TrimSuffix(h.cfg.ImageBaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (h *Handler) imageURLs(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = h.imageURL(p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError writes {"code": status, "message": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	writeJSON(w, status, &e)
}
