package firestore

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/orderflow/internal/domain"
	"github.com/hanko-field/orderflow/internal/repositories"
)

const (
	ordersCollection   = "orders"
	productsCollection = "products"
	ledgerCollection   = "stock_ledger"
	intentsCollection  = "stock_intents"
	tokensCollection   = "notification_tokens"

	ledgerStateApplied  = "applied"
	ledgerStateReverted = "reverted"
)

type orderDocument struct {
	UserID        string              `firestore:"userId"`
	Items         []orderLineDocument `firestore:"items"`
	TotalPrice    int64               `firestore:"totalPrice"`
	Status        string              `firestore:"status"`
	PaymentMethod string              `firestore:"paymentMethod"`
	PaymentStatus string              `firestore:"paymentStatus"`
	Shipping      shippingDocument    `firestore:"shipping"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID    string `firestore:"productId"`
	ProductName  string `firestore:"productName"`
	ProductImage string `firestore:"productImage,omitempty"`
	ProductPrice int64  `firestore:"productPrice"`
	Quantity     int    `firestore:"quantity"`
	UnitPrice    int64  `firestore:"unitPrice"`
}

type shippingDocument struct {
	ReceiverName  string `firestore:"receiverName"`
	ReceiverPhone string `firestore:"receiverPhone"`
	Address       string `firestore:"address"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderLineDocument, 0, len(order.Items))
	for _, line := range order.Items {
		items = append(items, orderLineDocument{
			ProductID:    line.ProductID,
			ProductName:  line.Product.Name,
			ProductImage: line.Product.ImageURL,
			ProductPrice: line.Product.Price,
			Quantity:     line.Quantity,
			UnitPrice:    line.UnitPrice,
		})
	}
	return orderDocument{
		UserID:        order.UserID,
		Items:         items,
		TotalPrice:    order.TotalPrice,
		Status:        string(order.Status),
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: string(order.PaymentStatus),
		Shipping: shippingDocument{
			ReceiverName:  order.Shipping.ReceiverName,
			ReceiverPhone: order.Shipping.ReceiverPhone,
			Address:       order.Shipping.Address,
		},
		CreatedAt: order.CreatedAt.UTC(),
		UpdatedAt: order.UpdatedAt.UTC(),
	}
}

// toDomain rejects documents that cannot be represented instead of defaulting fields.
func (d orderDocument) toDomain(id string) (domain.Order, error) {
	status, ok := domain.ParseOrderStatus(d.Status)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s has unknown status %q", repositories.ErrOrderCorrupt, id, d.Status)
	}
	payment, ok := domain.ParsePaymentStatus(d.PaymentStatus)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s has unknown payment status %q", repositories.ErrOrderCorrupt, id, d.PaymentStatus)
	}
	if strings.TrimSpace(d.UserID) == "" || len(d.Items) == 0 || d.CreatedAt.IsZero() {
		return domain.Order{}, fmt.Errorf("%w: order %s is missing required fields", repositories.ErrOrderCorrupt, id)
	}
	items := make([]domain.OrderLine, 0, len(d.Items))
	for _, item := range d.Items {
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: order %s has a non-positive quantity", repositories.ErrOrderCorrupt, id)
		}
		items = append(items, domain.OrderLine{
			ProductID: item.ProductID,
			Product: domain.ProductSnapshot{
				Name:     item.ProductName,
				ImageURL: item.ProductImage,
				Price:    item.ProductPrice,
			},
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return domain.Order{
		ID:            id,
		UserID:        d.UserID,
		Items:         items,
		TotalPrice:    d.TotalPrice,
		Status:        status,
		PaymentMethod: d.PaymentMethod,
		PaymentStatus: payment,
		Shipping: domain.ShippingInfo{
			ReceiverName:  d.Shipping.ReceiverName,
			ReceiverPhone: d.Shipping.ReceiverPhone,
			Address:       d.Shipping.Address,
		},
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type productDocument struct {
	Name      string    `firestore:"name"`
	Price     int64     `firestore:"price"`
	Stock     int       `firestore:"stock"`
	Sold      int       `firestore:"sold"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:      product.Name,
		Price:     product.Price,
		Stock:     product.Stock,
		Sold:      product.Sold,
		UpdatedAt: product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	if d.Stock < 0 || d.Sold < 0 {
		return domain.Product{}, repositories.NewInventoryError(
			repositories.InventoryErrorCorruptDocument,
			fmt.Sprintf("product %s has negative counters", id), nil)
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     d.Price,
		Stock:     d.Stock,
		Sold:      d.Sold,
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type ledgerDocument struct {
	ProductID    string    `firestore:"productId"`
	OrderID      string    `firestore:"orderId"`
	Delta        int       `firestore:"delta"`
	State        string    `firestore:"state"`
	Tombstone    bool      `firestore:"tombstone"`
	RevertedSold bool      `firestore:"revertedSold"`
	CreatedAt    time.Time `firestore:"createdAt"`
	RevertedAt   time.Time `firestore:"revertedAt,omitempty"`
}

func (d ledgerDocument) reverted() bool {
	return d.State == ledgerStateReverted
}

type intentDocument struct {
	OrderID   string               `firestore:"orderId"`
	From      string               `firestore:"from"`
	To        string               `firestore:"to"`
	Effect    string               `firestore:"effect"`
	Lines     []intentLineDocument `firestore:"lines"`
	State     string               `firestore:"state"`
	Attempt   int                  `firestore:"attempt"`
	ActorID   string               `firestore:"actorId"`
	LastError string               `firestore:"lastError,omitempty"`
	CreatedAt time.Time            `firestore:"createdAt"`
	UpdatedAt time.Time            `firestore:"updatedAt"`
}

type intentLineDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"quantity"`
}

func newIntentDocument(intent domain.StockIntent) intentDocument {
	lines := make([]intentLineDocument, 0, len(intent.Lines))
	for _, line := range intent.Lines {
		lines = append(lines, intentLineDocument{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return intentDocument{
		OrderID:   intent.OrderID,
		From:      string(intent.From),
		To:        string(intent.To),
		Effect:    string(intent.Effect),
		Lines:     lines,
		State:     string(intent.State),
		Attempt:   intent.Attempt,
		ActorID:   intent.ActorID,
		LastError: intent.LastError,
		CreatedAt: intent.CreatedAt.UTC(),
		UpdatedAt: intent.UpdatedAt.UTC(),
	}
}

func (d intentDocument) toDomain(id string) (domain.StockIntent, error) {
	from, okFrom := domain.ParseOrderStatus(d.From)
	to, okTo := domain.ParseOrderStatus(d.To)
	if !okFrom || !okTo {
		return domain.StockIntent{}, fmt.Errorf("%w: intent %s has unknown statuses %q -> %q", repositories.ErrIntentCorrupt, id, d.From, d.To)
	}
	state := domain.IntentState(d.State)
	switch state {
	case domain.IntentStatePending, domain.IntentStateApplied, domain.IntentStateReverting,
		domain.IntentStateCompleted, domain.IntentStateAborted:
	default:
		return domain.StockIntent{}, fmt.Errorf("%w: intent %s has unknown state %q", repositories.ErrIntentCorrupt, id, d.State)
	}
	effect := domain.StockEffect(d.Effect)
	switch effect {
	case domain.StockEffectNone, domain.StockEffectDecrement, domain.StockEffectRestore:
	default:
		return domain.StockIntent{}, fmt.Errorf("%w: intent %s has unknown effect %q", repositories.ErrIntentCorrupt, id, d.Effect)
	}
	lines := make([]domain.IntentLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.IntentLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return domain.StockIntent{
		ID:        id,
		OrderID:   d.OrderID,
		From:      from,
		To:        to,
		Effect:    effect,
		Lines:     lines,
		State:     state,
		Attempt:   d.Attempt,
		ActorID:   d.ActorID,
		LastError: d.LastError,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type tokenDocument struct {
	Token     string    `firestore:"token"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
