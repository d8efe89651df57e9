package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the JWT claims accepted by the ops API.
// TenantID scopes every read; tokens without one are rejected.
type Claims struct {
	jwt.RegisteredClaims

	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}
