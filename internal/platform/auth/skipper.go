package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicPaths lists route patterns that bypass authentication. Anyone
// holding a printed document must be able to check it, and a signer
// authenticates a signature request with its token rather than a session.
var publicPaths = map[string]bool{
	"/health":                          true,
	"/health/db":                       true,
	"/metrics":                         true,
	"/api/verify":                      true,
	"/api/verify/:documentId":          true,
	"/api/certificate":                 true,
	"/api/timestamp":                   true,
	"/api/timestamp/verify":            true,
	"/api/signatures/:id/verify":       true,
	"/api/signature-requests/:id/sign": true,
}

// publicReads are public for GET only.
var publicReads = map[string]bool{
	"/api/signature-requests/:id": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. c.Path() is the registered pattern, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	p := c.Path()
	if publicPaths[p] {
		return true
	}
	return c.Request().Method == http.MethodGet && publicReads[p]
}

// IsPublicPath reports whether the given route pattern is public for every
// method.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
