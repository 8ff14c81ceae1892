package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes served without a session. Session lookup is
// skipped for them entirely.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// AuthSkipper returns true for requests whose route needs no session.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is served without a session.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
