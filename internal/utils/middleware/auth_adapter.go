package middleware

import (
	"github.com/storefront/server/internal/module/auth"
)

// JWTManagerValidator adapts auth.JWTManager to the JWTValidator interface.
type JWTManagerValidator struct {
	manager *auth.JWTManager
}

// NewJWTManagerValidator creates a validator backed by manager.
func NewJWTManagerValidator(manager *auth.JWTManager) *JWTManagerValidator {
	return &JWTManagerValidator{manager: manager}
}

// ValidateToken implements JWTValidator interface.
func (v *JWTManagerValidator) ValidateToken(token string) (*TokenClaims, error) {
	claims, err := v.manager.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return &TokenClaims{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// Compile-time check
var _ JWTValidator = (*JWTManagerValidator)(nil)
