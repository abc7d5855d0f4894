package auth

import (
	"context"
	"strings"

	"github.com/sppix/storefront-backend/pkg/config"
	pkgerrors "github.com/sppix/storefront-backend/pkg/errors"
)

// AuthContext is the decoded identity attached to every HTTP request and
// socket. The zero value is an anonymous caller.
type AuthContext struct {
	UserID      string
	IsStaff     bool
	IsSuperuser bool
	// Session is the anonymous chat session token, when one was presented.
	Session string
}

// Anonymous reports whether no bearer token was accepted.
func (a AuthContext) Anonymous() bool {
	return a.UserID == ""
}

// IsAdmin is true for staff and superusers.
func (a AuthContext) IsAdmin() bool {
	return a.IsStaff || a.IsSuperuser
}

// Gate decodes bearer tokens. It holds only verification material.
type Gate struct {
	cfg config.JWTConfig
}

func NewGate(cfg config.JWTConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Decode validates a raw token (with or without the "Bearer " prefix).
func (g *Gate) Decode(bearer string) (AuthContext, error) {
	token := strings.TrimSpace(bearer)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return AuthContext{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing bearer token")
	}

	claims, err := ParseAccessToken(g.cfg, token)
	if err != nil {
		return AuthContext{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid bearer token")
	}
	return AuthContext{
		UserID:      claims.UserKey(),
		IsStaff:     claims.IsStaff,
		IsSuperuser: claims.IsSuperuser,
	}, nil
}

// RequireAdmin fails unless the caller is staff or superuser.
func RequireAdmin(a AuthContext) error {
	if a.Anonymous() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	if !a.IsAdmin() {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return nil
}

// Owned is implemented by resources that belong to a user or to an
// anonymous session.
type Owned interface {
	OwnerUser() string
	OwnerSessionToken() string
}

// RequireOwner passes for admins, for the owning user, and for a caller
// presenting the owning session token on a resource with no user owner.
func RequireOwner(a AuthContext, resource Owned) error {
	if a.IsAdmin() {
		return nil
	}
	if owner := resource.OwnerUser(); owner != "" {
		if a.UserID == owner {
			return nil
		}
		return pkgerrors.New(pkgerrors.CodeForbidden, "not the owner")
	}
	if session := resource.OwnerSessionToken(); session != "" && a.Session == session {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "not the owner")
}

type ctxKey struct{}

// WithContext stores the caller identity on ctx.
func WithContext(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the caller identity, anonymous when none was stored.
func FromContext(ctx context.Context) AuthContext {
	if ctx == nil {
		return AuthContext{}
	}
	if a, ok := ctx.Value(ctxKey{}).(AuthContext); ok {
		return a
	}
	return AuthContext{}
}
