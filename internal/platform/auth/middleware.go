package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const UserIDKey contextKey = "user_id"

type Claims struct {
	jwt.RegisteredClaims
}

type JWTConfig struct {
	// SigningKey verifies HS256 bearer tokens. Empty disables verification.
	SigningKey []byte
	Issuer     string
	Audience   string
	Skipper    middleware.Skipper
}

// JWTMiddleware verifies the bearer token and stores its subject on the
// request context. With no signing key every request passes through
// anonymously.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = AuthSkipper
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(cfg.SigningKey) == 0 || cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithUserID(c.Request().Context(), claims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
