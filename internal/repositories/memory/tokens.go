package memory

import (
	"context"
	"strings"
	"time"
)

type tokenRepository struct {
	s *Store
}

func (r *tokenRepository) FindToken(ctx context.Context, userID string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[userID]
	if !ok {
		return "", notFound("tokens.get", "no token for user %s", userID)
	}
	return token, nil
}

func (r *tokenRepository) SaveToken(ctx context.Context, userID, token string, _ time.Time) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(token) == "" {
		delete(s.tokens, userID)
		return nil
	}
	s.tokens[userID] = token
	return nil
}
