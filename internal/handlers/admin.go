package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/auth"
	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/pagination"
	"github.com/hanko-field/orderflow/internal/services"
)

type adminTransitionRequest struct {
	Target         string `json:"target"`
	ExpectedStatus string `json:"expected_status"`
	Reason         string `json:"reason"`
}

type adminAdvanceRequest struct {
	ExpectedStatus string `json:"expected_status"`
}

type productUpsertRequest struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
	Sold  int    `json:"sold"`
}

type stockAdjustRequest struct {
	Delta     int    `json:"delta"`
	Reference string `json:"reference"`
}

// AdminHandlers exposes staff order operations and product stock management.
type AdminHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	inventory services.InventoryService
}

// NewAdminHandlers constructs the /admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, inventory services.InventoryService) *AdminHandlers {
	return &AdminHandlers{
		authn:     authn,
		orders:    orders,
		inventory: inventory,
	}
}

// Routes registers the /admin endpoints. Every route requires a staff actor.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Authenticate)
	}
	r.Use(auth.RequireAdmin)

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:advance", h.advanceOrder)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Post("/orders/{orderID}:mark-paid", h.markPaid)

	r.Get("/products/{productID}", h.getProduct)
	r.Put("/products/{productID}", h.upsertProduct)
	r.Post("/products/{productID}:adjust", h.adjustStock)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	status := domain.OrderStatus(strings.TrimSpace(query.Get("status")))
	if status == "" {
		status = domain.OrderStatusAll
	}
	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status: status,
		Search: strings.TrimSpace(query.Get("q")),
		UserID: strings.TrimSpace(query.Get("user_id")),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderList(page.Items, page.NextPageToken))
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) advanceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	var req adminAdvanceRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	expected, ok := parseExpectedStatus(req.ExpectedStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdvanceStatus(ctx, services.AdvanceStatusCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:          actor,
		ExpectedStatus: expected,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	expected, ok := parseExpectedStatus(req.ExpectedStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:          actor,
		Reason:         strings.TrimSpace(req.Reason),
		ExpectedStatus: expected,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	var req adminTransitionRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	target, ok := domain.ParseOrderStatus(req.Target)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be a valid order status", http.StatusBadRequest))
		return
	}
	expected, ok := parseExpectedStatus(req.ExpectedStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.RequestTransition(ctx, services.TransitionCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderID")),
		Target:         target,
		Actor:          actor,
		ExpectedStatus: expected,
		Reason:         strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	product, err := h.inventory.GetProduct(ctx, strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) upsertProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	var req productUpsertRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	product, err := h.inventory.UpsertProduct(ctx, services.UpsertProductCommand{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		Name:      strings.TrimSpace(req.Name),
		Price:     req.Price,
		Stock:     req.Stock,
		Sold:      req.Sold,
		Actor:     actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}

	var req stockAdjustRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	product, err := h.inventory.AdjustStock(ctx, services.AdjustStockCommand{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
		Delta:     req.Delta,
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}
