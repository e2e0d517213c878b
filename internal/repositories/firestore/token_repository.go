package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pfirestore "github.com/hanko-field/orderflow/internal/platform/firestore"
	"github.com/hanko-field/orderflow/internal/repositories"
)

var decodeToken = pfirestore.StructDecoder(func(_ string, doc tokenDocument) (string, error) {
	return strings.TrimSpace(doc.Token), nil
})

// TokenRepository reads push tokens from notification_tokens/{userID}.
type TokenRepository struct {
	provider *pfirestore.Provider
}

// NewTokenRepository constructs the Firestore backed token repository.
func NewTokenRepository(provider *pfirestore.Provider) (*TokenRepository, error) {
	if provider == nil {
		return nil, errors.New("token repository requires firestore provider")
	}
	return &TokenRepository{provider: provider}, nil
}

var _ repositories.TokenRepository = (*TokenRepository)(nil)

func (r *TokenRepository) FindToken(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", pfirestore.NotFound("tokens.get", errors.New("user id is empty"))
	}
	coll, err := r.provider.Collection(ctx, tokensCollection)
	if err != nil {
		return "", err
	}
	token, err := pfirestore.Get(ctx, coll.Doc(userID), "tokens.get", decodeToken)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", pfirestore.NotFound("tokens.get", fmt.Errorf("user %s has an empty token", userID))
	}
	return token, nil
}

func (r *TokenRepository) SaveToken(ctx context.Context, userID, token string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("token repository: user id is required")
	}
	coll, err := r.provider.Collection(ctx, tokensCollection)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(userID).Set(ctx, tokenDocument{Token: strings.TrimSpace(token), UpdatedAt: at.UTC()}); err != nil {
		return pfirestore.WrapError("tokens.save", err)
	}
	return nil
}
