package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/checkout"
	kafkax "github.com/ariefcatur/go-checkout-engine/internal/kafka"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
	"github.com/ariefcatur/go-checkout-engine/internal/redisx"
	"github.com/ariefcatur/go-checkout-engine/internal/txn"
)

const (
	HeaderUserID         = "X-User-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

type Orders interface {
	PlaceOrder(ctx context.Context, in orders.PlaceOrderInput) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	MarkPaid(ctx context.Context, orderID string) (checkout.StatusChange, error)
	MarkFailed(ctx context.Context, orderID string) (checkout.StatusChange, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type Idempotency interface {
	Claim(ctx context.Context, userID, key string) ([]byte, error)
	Complete(ctx context.Context, userID, key string, response []byte) error
	Release(ctx context.Context, userID, key string) error
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Set(ctx context.Context, orderID string, s redisx.CachedStatus) error
	Invalidate(ctx context.Context, orderID string) error
}

// OrdersHandler serves checkout and order routes. Publishers, Idem and Cache
// are optional. Timeout bounds each engine call and defaults to the budget of
// the default transaction options.
type OrdersHandler struct {
	Orders        Orders
	Timeout       time.Duration
	Created       Publisher
	StatusChanged Publisher
	Idem          Idempotency
	Cache         StatusCache
	Errors        ErrorWriter
	Logger        *zap.Logger
	Service       string
}

type itemResp struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type orderResp struct {
	OrderID    string        `json:"order_id"`
	UserID     string        `json:"user_id"`
	Status     orders.Status `json:"status"`
	TotalCents int64         `json:"total_cents"`
	AddressID  *string       `json:"address_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Items      []itemResp    `json:"items"`
}

func toOrderResp(o orders.Order) orderResp {
	items := make([]itemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemResp{ID: it.ID, ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: it.UnitPriceCents})
	}
	return orderResp{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     o.Status,
		TotalCents: o.TotalCents,
		AddressID:  o.AddressID,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
		Items:      items,
	}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/paid", h.markPaid)
	r.Post("/orders/{id}/failed", h.markFailed)
}

// txBudget must cover every retry of a transaction, not just one attempt,
// or a timed out attempt would end the request instead of being retried.
func txBudget(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return txn.Budget(txn.DefaultOptions())
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		h.Errors.Write(w, r, apperr.New(apperr.KindUnauthorized, "missing "+HeaderUserID))
		return
	}
	var in orders.PlaceOrderInput
	if err := decodeJSON(r, &in); err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	in.UserID = userID

	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	idemKey := r.Header.Get(HeaderIdempotencyKey)
	claimed := false
	if idemKey != "" && h.Idem != nil {
		stored, err := h.Idem.Claim(ctx, userID, idemKey)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			h.Errors.Write(w, r, apperr.Conflict("request with this %s is still in progress", HeaderIdempotencyKey))
			return
		case err != nil:
			// Redis is a shortcut, the database stays the source of truth
			h.log().Warn("idempotency claim failed", zap.Error(err))
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(stored)
			return
		default:
			claimed = true
		}
	}

	o, err := h.Orders.PlaceOrder(ctx, in)
	if err != nil {
		if claimed {
			if rerr := h.Idem.Release(context.WithoutCancel(ctx), userID, idemKey); rerr != nil {
				h.log().Warn("idempotency release failed", zap.Error(rerr))
			}
		}
		h.Errors.Write(w, r, err)
		return
	}

	body, _ := json.Marshal(toOrderResp(o))
	if claimed {
		if err := h.Idem.Complete(ctx, userID, idemKey, body); err != nil {
			h.log().Warn("idempotency complete failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	h.cacheStatus(ctx, o)
	h.publishCreated(r, o)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Set(ctx, o.ID, redisx.CachedStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt}); err != nil {
		h.log().Warn("status cache set failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (h *OrdersHandler) publishCreated(r *http.Request, o orders.Order) {
	if h.Created == nil {
		return
	}
	env := kafkax.NewEnvelope(orders.EventOrderCreated, h.Service, o.ID, middleware.GetReqID(r.Context()), orders.NewOrderCreated(o))
	h.Created.Publish(orders.PartitionKey(o.ID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

// getOrderStatus answers from the cache first and fills it on a miss.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	if h.Cache != nil {
		if s, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, redisx.CachedStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) markPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Orders.MarkPaid)
}

func (h *OrdersHandler) markFailed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Orders.MarkFailed)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (checkout.StatusChange, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	ch, err := fn(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	if ch.Changed {
		AnnounceStatus(ctx, h.Cache, h.StatusChanged, h.Service, middleware.GetReqID(r.Context()), ch, h.log())
	}
	writeJSON(w, http.StatusOK, toOrderResp(ch.Order))
}

// AnnounceStatus invalidates the cached status and publishes the change.
// cache and pub may be nil.
func AnnounceStatus(ctx context.Context, cache StatusCache, pub Publisher, service, traceID string, ch checkout.StatusChange, logger *zap.Logger) {
	if cache != nil {
		if err := cache.Invalidate(ctx, ch.Order.ID); err != nil {
			logger.Warn("status cache invalidate failed", zap.String("order_id", ch.Order.ID), zap.Error(err))
		}
	}
	if pub == nil {
		return
	}
	env := kafkax.NewEnvelope(orders.EventOrderStatus, service, ch.Order.ID, traceID,
		orders.OrderStatusPayload{OrderID: ch.Order.ID, From: ch.From, To: ch.Order.Status})
	pub.Publish(orders.PartitionKey(ch.Order.ID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
}
