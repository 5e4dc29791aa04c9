package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

const allowMethods = "GET, HEAD, OPTIONS"

// ReadOnlyCORS lets browsers read the ops API from the given origins. Only
// safe methods are advertised; preflights for anything else are refused.
func ReadOnlyCORS(origins []string) echo.MiddlewareFunc {
	wildcard := slices.Contains(origins, "*")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			origin := req.Header.Get(echo.HeaderOrigin)
			if origin == "" || (!wildcard && !slices.Contains(origins, origin)) {
				return next(c)
			}

			h := c.Response().Header()
			h.Add(echo.HeaderVary, echo.HeaderOrigin)
			if wildcard {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			}

			if req.Method != http.MethodOptions {
				return next(c)
			}
			switch req.Header.Get(echo.HeaderAccessControlRequestMethod) {
			case http.MethodGet, http.MethodHead, "":
			default:
				return c.NoContent(http.StatusMethodNotAllowed)
			}
			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)
			h.Set(echo.HeaderAccessControlMaxAge, "600")
			return c.NoContent(http.StatusNoContent)
		}
	}
}
