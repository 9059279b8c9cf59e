package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getProtocolHandler handles GET /protocol/:user_id.
func (s *Server) getProtocolHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	st, err := s.deps.Protocol.State(c.Request().Context(), userID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// activateProtocolHandler handles POST /protocol/:user_id/activate.
// Activation also cancels the user's in-flight reviews.
func (s *Server) activateProtocolHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	if err := s.deps.Protocol.Activate(c.Request().Context(), userID, extractAuthor(c)); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

// deactivateProtocolHandler handles POST /protocol/:user_id/deactivate.
func (s *Server) deactivateProtocolHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	if err := s.deps.Protocol.Deactivate(c.Request().Context(), userID, extractAuthor(c)); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "inactive"})
}
