// Package payments applies payment outcomes published by the payment gateway
// to orders.
package payments

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	"github.com/ariefcatur/go-checkout-engine/internal/httpx"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
)

type Orders interface {
	MarkPaid(ctx context.Context, orderID string) (checkout.StatusChange, error)
	MarkFailed(ctx context.Context, orderID string) (checkout.StatusChange, error)
}

type Dedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Handler is installed as the kafka consumer handler. Dedup, Cache and
// StatusChanged are optional.
type Handler struct {
	Orders        Orders
	Dedup         Dedup
	Cache         httpx.StatusCache
	StatusChanged httpx.Publisher
	Logger        *zap.Logger
	ServiceName   string
}

func (h *Handler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// Handle returns nil when the message is done with, including events that are
// ignored or that can never apply. Other errors leave the offset uncommitted.
func (h *Handler) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// a poison message would block the partition forever
		h.log().Error("dropping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	var apply func(context.Context, string) (checkout.StatusChange, error)
	var orderID string
	switch env.EventType {
	case orders.EventPaymentAuthorized:
		p, err := kafkax.UnwrapPayload[orders.PaymentAuthorizedPayload](env.Payload)
		if err != nil {
			h.log().Error("dropping bad payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		apply, orderID = h.Orders.MarkPaid, p.OrderID
	case orders.EventPaymentFailed:
		p, err := kafkax.UnwrapPayload[orders.PaymentFailedPayload](env.Payload)
		if err != nil {
			h.log().Error("dropping bad payload", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		apply, orderID = h.Orders.MarkFailed, p.OrderID
	default:
		return nil
	}

	logger := h.log().With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
		zap.String("order_id", orderID),
	)

	if h.Dedup != nil {
		seen, err := h.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			// status transitions are idempotent, so processing twice is safe
			logger.Warn("dedup lookup failed", zap.Error(err))
		}
		if seen {
			logger.Debug("duplicate event skipped")
			return nil
		}
	}

	ch, err := apply(ctx, orderID)
	if err != nil && !apperr.IsRetryable(err) {
		switch apperr.Classify(err) {
		case apperr.KindNotFound, apperr.KindConflict, apperr.KindValidation:
			logger.Warn("payment event not applicable", zap.Error(err))
			h.mark(ctx, env.EventID, logger)
			return nil
		}
		return fmt.Errorf("apply %s to order %s: %w", env.EventType, orderID, err)
	}

	if ch.Changed {
		httpx.AnnounceStatus(ctx, h.Cache, h.StatusChanged, h.ServiceName, env.TraceID, ch, logger)
		logger.Info("order status changed", zap.String("from", string(ch.From)), zap.String("to", string(ch.Order.Status)))
	}
	h.mark(ctx, env.EventID, logger)
	return nil
}

func (h *Handler) mark(ctx context.Context, eventID string, logger *zap.Logger) {
	if h.Dedup == nil {
		return
	}
	if err := h.Dedup.Mark(ctx, eventID); err != nil {
		logger.Warn("dedup mark failed", zap.Error(err))
	}
}
