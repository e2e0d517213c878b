package handlers

import (
	"time"

	"github.com/hanko-field/orderflow/internal/services"
)

type productSnapshotPayload struct {
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
	Price    int64  `json:"price"`
}

type orderLinePayload struct {
	ProductID string                 `json:"product_id"`
	Product   productSnapshotPayload `json:"product"`
	Quantity  int                    `json:"quantity"`
	UnitPrice int64                  `json:"unit_price"`
	Subtotal  int64                  `json:"subtotal"`
}

type shippingPayload struct {
	ReceiverName  string `json:"receiver_name"`
	ReceiverPhone string `json:"receiver_phone"`
	Address       string `json:"address"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Status        string             `json:"status"`
	PaymentMethod string             `json:"payment_method,omitempty"`
	PaymentStatus string             `json:"payment_status"`
	TotalPrice    int64              `json:"total_price"`
	Items         []orderLinePayload `json:"items"`
	Shipping      shippingPayload    `json:"shipping"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type productPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Stock     int    `json:"stock"`
	Sold      int    `json:"sold"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderLinePayload, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, orderLinePayload{
			ProductID: line.ProductID,
			Product: productSnapshotPayload{
				Name:     line.Product.Name,
				ImageURL: line.Product.ImageURL,
				Price:    line.Product.Price,
			},
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  line.Subtotal(),
		})
	}
	return orderPayload{
		ID:            order.ID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: string(order.PaymentStatus),
		TotalPrice:    order.TotalPrice,
		Items:         items,
		Shipping: shippingPayload{
			ReceiverName:  order.Shipping.ReceiverName,
			ReceiverPhone: order.Shipping.ReceiverPhone,
			Address:       order.Shipping.Address,
		},
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}
}

func buildOrderList(page []services.Order, next string) orderListResponse {
	items := make([]orderPayload, 0, len(page))
	for _, order := range page {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{Items: items, NextPageToken: next}
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:        product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Stock:     product.Stock,
		Sold:      product.Sold,
		UpdatedAt: formatTime(product.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
