package middleware

import (
	"github.com/labstack/echo/v4"
)

// orderHeaders apply to every response. Order payloads carry patient names
// and phone numbers, so nothing is cacheable.
var orderHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"X-XSS-Protection":        "0",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
	"Cache-Control":           "no-store",
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeaders returns middleware that sets hardening response headers.
// HSTS is only announced when this server terminates TLS itself; behind a
// TLS-terminating proxy the proxy owns that header.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range orderHeaders {
				h.Set(k, v)
			}
			if tls {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
