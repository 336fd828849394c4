package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-checkout-engine/internal/apperr"
	"github.com/ariefcatur/go-checkout-engine/internal/orders"
)

type Stock interface {
	SetStock(ctx context.Context, productID string, expectedVersion int64, stock orders.Stock) (orders.Product, error)
	AddStock(ctx context.Context, productID string, delta int) (orders.Product, error)
}

type StockHandler struct {
	Stock   Stock
	Errors  ErrorWriter
	Timeout time.Duration
}

type setStockReq struct {
	ExpectedVersion *int64 `json:"expected_version"`
	// null switches the product to untracked inventory
	Inventory *int `json:"inventory"`
}

type adjustStockReq struct {
	Delta int `json:"delta"`
}

type productResp struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PriceCents int64  `json:"price_cents"`
	Inventory  *int   `json:"inventory"`
	Version    int64  `json:"version"`
}

func toProductResp(p orders.Product) productResp {
	return productResp{
		ID:         p.ID,
		Title:      p.Title,
		PriceCents: p.PriceCents,
		Inventory:  orders.StockToNullable(p.Stock),
		Version:    p.Version,
	}
}

func (h *StockHandler) Register(r chi.Router) {
	r.Put("/products/{id}/stock", h.setStock)
	r.Post("/products/{id}/stock/adjust", h.adjustStock)
}

func (h *StockHandler) setStock(w http.ResponseWriter, r *http.Request) {
	var req setStockReq
	if err := decodeJSON(r, &req); err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	if req.ExpectedVersion == nil {
		h.Errors.Write(w, r, apperr.Validation("expected_version is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	p, err := h.Stock.SetStock(ctx, chi.URLParam(r, "id"), *req.ExpectedVersion, orders.StockFromNullable(req.Inventory))
	if err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}

func (h *StockHandler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockReq
	if err := decodeJSON(r, &req); err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	if req.Delta == 0 {
		h.Errors.Write(w, r, apperr.Validation("delta must not be zero"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), txBudget(h.Timeout))
	defer cancel()

	p, err := h.Stock.AddStock(ctx, chi.URLParam(r, "id"), req.Delta)
	if err != nil {
		h.Errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResp(p))
}
