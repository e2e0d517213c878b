package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/platform/auth"
	"github.com/hanko-field/orderflow/internal/platform/httpx"
	"github.com/hanko-field/orderflow/internal/platform/idempotency"
	"github.com/hanko-field/orderflow/internal/platform/pagination"
	"github.com/hanko-field/orderflow/internal/platform/requestctx"
	"github.com/hanko-field/orderflow/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	watchKeepAlive       = 25 * time.Second
	watchWriteWindow     = 10 * time.Second
)

type submitOrderRequest struct {
	CustomerID    string                   `json:"customer_id"`
	Lines         []submitOrderLineRequest `json:"lines"`
	Shipping      shippingPayload          `json:"shipping"`
	PaymentMethod string                   `json:"payment_method"`
	TotalPrice    int64                    `json:"total_price"`
}

type submitOrderLineRequest struct {
	ProductID string                 `json:"product_id"`
	Product   productSnapshotPayload `json:"product"`
	Quantity  int                    `json:"quantity"`
	UnitPrice int64                  `json:"unit_price"`
}

type cancelOrderRequest struct {
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expected_status"`
}

// OrderHandlers exposes the customer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
	limiter     submitLimiter
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithIdempotency guards order submission with the given store. Without a store submissions
// are not deduplicated.
func WithIdempotency(store idempotency.Store, opts ...idempotency.MiddlewareOption) OrderHandlerOption {
	return func(h *OrderHandlers) {
		if store != nil {
			h.idempotency = idempotency.Middleware(store, opts...)
		}
	}
}

// WithSubmitRateLimit caps submissions per customer within window.
func WithSubmitRateLimit(limit int, window time.Duration, opts ...RateLimitOption) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.limiter = newSubmitLimiter(limit, window, opts...)
	}
}

// NewOrderHandlers constructs the customer order handlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Authenticate)
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/", h.submitOrder)
	} else {
		r.Post("/", h.submitOrder)
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}:watch", h.watchOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil {
		decision, err := h.limiter.allow(ctx, actor.ID)
		if err != nil {
			requestctx.Logger(ctx).Warn("submit rate limit fell back to local window", zap.Error(err))
		}
		if !decision.allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.retryAfter.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order submissions", http.StatusTooManyRequests))
			return
		}
	}

	var req submitOrderRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		customerID = actor.ID
	}
	lines := make([]services.OrderLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, services.OrderLine{
			ProductID: line.ProductID,
			Product: domain.ProductSnapshot{
				Name:     line.Product.Name,
				ImageURL: line.Product.ImageURL,
				Price:    line.Product.Price,
			},
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	order, err := h.orders.SubmitOrder(ctx, services.SubmitOrderCommand{
		Actor:      actor,
		CustomerID: customerID,
		Lines:      lines,
		Shipping: services.ShippingInfo{
			ReceiverName:  req.Shipping.ReceiverName,
			ReceiverPhone: req.Shipping.ReceiverPhone,
			Address:       req.Shipping.Address,
		},
		PaymentMethod: req.PaymentMethod,
		TotalPrice:    req.TotalPrice,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	query := r.URL.Query()
	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Status: domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		Search: strings.TrimSpace(query.Get("q")),
		UserID: actor.ID,
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

// watchOrder streams order snapshots as server-sent events until the client goes away or
// the stream fails. Clients reconnect to resume.
func (h *OrderHandlers) watchOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	actor, ok := requireActor(ctx, w)
	if !ok {
		return
	}

	snapshots, err := h.orders.WatchOrder(ctx, services.GetOrderQuery{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	stream := newEventStream(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if err := stream.open(); err != nil {
		return
	}

	keepAlive := time.NewTicker(watchKeepAlive)
	defer keepAlive.Stop()

	logger := requestctx.Logger(ctx)
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			err = stream.send(": keep-alive\n\n")
		case snapshot, open := <-snapshots:
			if !open {
				return
			}
			if snapshot.Err != nil {
				logger.Warn("order watch failed", zap.Error(snapshot.Err))
				_ = stream.send("event: error\ndata: {\"error\":\"watch_failed\"}\n\n")
				return
			}
			data, marshalErr := json.Marshal(buildOrderPayload(snapshot.Order))
			if marshalErr != nil {
				logger.Error("order watch encode failed", zap.Error(marshalErr))
				return
			}
			err = stream.send(fmt.Sprintf("event: order\ndata: %s\n\n", data))
		}
		if err != nil {
			logger.Debug("order watch closed", zap.Error(err))
			return
		}
	}
}

// eventStream writes server-sent event frames. The server write timeout covers a whole
// response, so every frame pushes the connection deadline forward instead.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newEventStream(w http.ResponseWriter) *eventStream {
	return &eventStream{w: w, rc: http.NewResponseController(w)}
}

func (s *eventStream) open() error {
	if err := s.extendDeadline(); err != nil {
		return err
	}
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

func (s *eventStream) send(frame string) error {
	if err := s.extendDeadline(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	return s.flush()
}

func (s *eventStream) extendDeadline() error {
	err := s.rc.SetWriteDeadline(time.Now().Add(watchWriteWindow))
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func (s *eventStream) flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
