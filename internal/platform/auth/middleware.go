package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	IdentityIDKey contextKey = "identity_id"
	RoleKey       contextKey = "identity_role"
)

// TokenVerifier checks a session token.
type TokenVerifier interface {
	Verify(token string) (*SessionClaims, error)
}

// Principal is the caller attached to an authenticated request.
type Principal struct {
	IdentityID string
	Role       string
}

// BearerToken extracts the token from an "Authorization: Bearer <t>" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// Protect rejects requests without a valid session token and attaches the
// token's identity to the request context.
func Protect(tokens TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, no token")
			}
			token, ok := BearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := tokens.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, token failed").SetInternal(err)
			}

			ctx := WithPrincipal(c.Request().Context(), Principal{IdentityID: claims.ID, Role: claims.Role})
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("identity_id", claims.ID)

			return next(c)
		}
	}
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, IdentityIDKey, p.IdentityID)
	return context.WithValue(ctx, RoleKey, p.Role)
}

// IdentityFromContext returns the principal attached by Protect.
func IdentityFromContext(ctx context.Context) (Principal, bool) {
	id, _ := ctx.Value(IdentityIDKey).(string)
	role, _ := ctx.Value(RoleKey).(string)
	if id == "" {
		return Principal{}, false
	}
	return Principal{IdentityID: id, Role: role}, true
}
