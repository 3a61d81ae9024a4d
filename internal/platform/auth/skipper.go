package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Uploads through /storage/v1 carry their
// own signed token and the processing trigger has its own HMAC signature.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

var publicPrefixes = []string{"/storage/v1/", "/functions/v1/"}

func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
