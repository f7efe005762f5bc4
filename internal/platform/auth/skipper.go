package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Browsers cannot attach a bearer token
// to a websocket handshake, and /ws frames carry only order ids.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/ws":        true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
