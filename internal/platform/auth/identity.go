package auth

import (
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/orderflow/internal/domain"
)

// Claim values granting staff access to the admin order endpoints.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// actorFromToken maps a verified token to the actor passed to the order services. Any
// staff role makes the caller an admin; everyone else acts as a customer on their own uid.
func actorFromToken(token *firebaseauth.Token, roleClaim string, staffRoles map[string]struct{}) domain.Actor {
	actor := domain.Actor{ID: strings.TrimSpace(token.UID), Role: domain.ActorRoleCustomer}
	for _, role := range rolesFromClaims(token.Claims, roleClaim) {
		if _, ok := staffRoles[role]; ok {
			actor.Role = domain.ActorRoleAdmin
			break
		}
	}
	return actor
}

// rolesFromClaims accepts a single string, a list of strings, or a map of role to bool.
func rolesFromClaims(claims map[string]interface{}, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	var candidates []string
	switch v := raw.(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]interface{}:
		for role, enabled := range v {
			if b, ok := enabled.(bool); ok && b {
				candidates = append(candidates, role)
			}
		}
	default:
		return nil
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		role := normaliseRole(candidate)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
