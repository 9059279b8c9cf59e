package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getInteractionHandler handles GET /interactions/:id.
func (s *Server) getInteractionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "interaction id is required")
	}
	it, err := s.deps.Stores.Interactions.Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

type reviewerNotesRequest struct {
	Notes string `json:"reviewer_notes"`
}

// setReviewerNotesHandler handles POST /interactions/:id/reviewer-notes.
// Allowed post-approval for audit trail updates.
func (s *Server) setReviewerNotesHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "interaction id is required")
	}
	var req reviewerNotesRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if err := s.deps.Review.SetNote(c.Request().Context(), id, req.Notes); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}
