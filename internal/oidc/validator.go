package oidc

import (
	"fmt"
	"strings"

	"github.com/al-bashkir/oidc-session/internal/config"
)

// Validator enforces role requirements on top of what go-oidc verifies.
type Validator struct {
	requiredRoles []string
	roleClaim     string
}

// NewValidator creates a new claims validator.
func NewValidator(cfg *config.OIDCConfig) *Validator {
	return &Validator{
		requiredRoles: cfg.RequiredRoles,
		roleClaim:     cfg.RoleClaim,
	}
}

// ValidateRoles validates that the user has at least one of the required roles.
// It is a no-op when no roles are configured.
//
// Note: go-oidc already validates:
// - JWT signature via JWKS
// - Standard claims: iss, aud, exp, iat, nbf
func (v *Validator) ValidateRoles(claims map[string]interface{}) error {
	if len(v.requiredRoles) == 0 {
		return nil
	}

	// Extract roles from configured claim path (e.g., "realm_access.roles")
	roles, err := getRolesFromClaim(claims, v.roleClaim)
	if err != nil {
		return fmt.Errorf("failed to extract roles: %w", err)
	}

	for _, requiredRole := range v.requiredRoles {
		if containsRole(roles, requiredRole) {
			return nil
		}
	}

	return fmt.Errorf("user does not have required roles: %v (user roles: %v)", v.requiredRoles, roles)
}

// getClaimString extracts a string claim, supporting dot notation for nested claims.
// For example: "email", "preferred_username"
func getClaimString(claims map[string]interface{}, path string) (string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return "", err
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("claim '%s' is not a string", path)
	}

	return str, nil
}

// getRolesFromClaim extracts roles as a slice of strings.
// Handles both []string and []interface{} types.
func getRolesFromClaim(claims map[string]interface{}, path string) ([]string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, role := range v {
			if str, ok := role.(string); ok {
				roles = append(roles, str)
			}
		}
		return roles, nil
	default:
		return nil, fmt.Errorf("claim '%s' is not a string array", path)
	}
}

// getNestedClaim retrieves a claim using dot notation.
// For example: "realm_access.roles" navigates through the claims map.
func getNestedClaim(claims map[string]interface{}, path string) (interface{}, error) {
	parts := strings.Split(path, ".")

	var current interface{} = claims
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path '%s' not found at level %d (%s)", path, i, part)
		}

		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("claim '%s' not found in path '%s'", part, path)
		}
	}

	return current, nil
}

// containsRole checks if a role is present in the roles slice.
func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
