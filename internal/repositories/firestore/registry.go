package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

// Registry exposes the Firestore repositories through repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	inventory *InventoryRepository
	intents   *IntentRepository
	tokens    *TokenRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on the shared provider.
func NewRegistry(provider *pfirestore.Provider, orderOpts ...OrderRepositoryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider, orderOpts...)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	intents, err := NewIntentRepository(provider)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		orders:    orders,
		inventory: inventory,
		intents:   intents,
		tokens:    tokens,
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *Registry) Intents() repositories.IntentRepository { return r.intents }
func (r *Registry) Tokens() repositories.TokenRepository { return r.tokens }

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
