package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const actorKey contextKey = "actor"

type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware verifies an HS256 bearer token and stores the caller as an
// Actor on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actor := Actor{ID: claims.Subject, Name: claims.Name, Role: primaryRole(claims.Roles)}
			c.SetRequest(c.Request().WithContext(ContextWithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as the dev admin.
// Requests that carry a token are verified with cfg.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	verify := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := verify(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return verified(c)
			}
			actor := Actor{ID: "dev-user", Name: "Development Admin", Role: RoleAdmin}
			c.SetRequest(c.Request().WithContext(ContextWithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// ContextWithActor binds actor to ctx.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor placed on ctx by the auth
// middleware. Handlers read it once and pass it explicitly to services.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// primaryRole picks the most privileged known role from a token.
func primaryRole(roles []string) string {
	best := ""
	for _, r := range roles {
		if rank(r) > rank(best) {
			best = r
		}
	}
	return best
}
