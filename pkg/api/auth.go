package api

import (
	"fmt"
	"strings"

	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/security"
	"github.com/labstack/echo/v4"
)

const claimsKey = "den_claims"

// publicPaths are served without den auth
var publicPaths = map[string]bool{
	"/check":   true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// DenAuth returns middleware rejecting requests without a valid bearer
// token. It runs before routing resolves a resource, so an unauthenticated
// caller cannot learn which resources exist.
func DenAuth(tokens *security.TokenManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isPublicPath(c.Request().URL.Path) {
				return next(c)
			}

			token, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				return err
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func isPublicPath(path string) bool {
	return publicPaths[strings.TrimSuffix(path, "/")]
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing authorization header: %w", errdefs.ErrAuth)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("malformed authorization header: %w", errdefs.ErrAuth)
	}
	return strings.TrimSpace(token), nil
}
