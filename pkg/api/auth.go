package api

import (
	echo "github.com/labstack/echo/v5"
)

// extractAuthor resolves the reviewer identity asserted by whatever auth
// proxy fronts the review console. Token-only callers without identity
// headers fall back to a generic id.
// Priority: X-Forwarded-User > X-Forwarded-Email > X-Remote-User > "api-client"
func extractAuthor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
