package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID      string
	IsStaff     bool
	IsSuperuser bool
	JTI         string
}

// AccessTokenClaims is the typed bearer token. The user key travels both as
// the registered subject and as user_id, which is what the identity service
// historically emitted.
type AccessTokenClaims struct {
	UserID      string `json:"user_id,omitempty"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
	jwt.RegisteredClaims
}

// UserKey returns user_id, falling back to the subject claim.
func (c *AccessTokenClaims) UserKey() string {
	if c == nil {
		return ""
	}
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}
