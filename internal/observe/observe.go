// Package observe subscribes to cart events for logging and metrics.
package observe

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-cart/internal/domain/cart"
)

const meterName = "github.com/xenking/kart-cart"

// Logger returns a subscriber that logs every event. Conditions are logged
// at Warn, except informational ones which use Info; mutations use Debug.
func Logger(lg *zap.Logger) func(cart.Event) {
	return func(e cart.Event) {
		fields := []zap.Field{
			zap.String("event", string(e.Kind)),
			zap.String("session", e.CartID),
		}
		if e.ItemID != "" {
			fields = append(fields, zap.String("item", e.ItemID), zap.Int("quantity", e.Quantity))
		}
		if e.Err == nil {
			lg.Debug("Cart event", fields...)
			return
		}

		fields = append(fields, zap.String("kind", string(e.Err.Kind)), zap.Error(e.Err))
		if e.Err.Warning() {
			lg.Info("Cart condition", fields...)
			return
		}
		lg.Warn("Cart condition", fields...)
	}
}

// Metrics counts cart events and open sessions.
type Metrics struct {
	events   metric.Int64Counter
	sessions metric.Int64UpDownCounter
}

// NewMetrics registers the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	events, err := meter.Int64Counter("cart.events",
		metric.WithDescription("Completed cart operations and recorded conditions"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cart.events")
	}
	sessions, err := meter.Int64UpDownCounter("cart.sessions.active",
		metric.WithDescription("Carts held in memory"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cart.sessions.active")
	}
	return &Metrics{events: events, sessions: sessions}, nil
}

// Record is a cart event subscriber.
func (m *Metrics) Record(e cart.Event) {
	attrs := []attribute.KeyValue{attribute.String("event", string(e.Kind))}
	if e.Err != nil {
		attrs = append(attrs, attribute.String("condition", string(e.Err.Kind)))
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// SessionOpened and SessionClosed track the number of carts in memory.
func (m *Metrics) SessionOpened(string) {
	m.sessions.Add(context.Background(), 1)
}

func (m *Metrics) SessionClosed(string) {
	m.sessions.Add(context.Background(), -1)
}
