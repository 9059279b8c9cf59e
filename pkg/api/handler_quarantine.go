package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/models"
)

// listQuarantineHandler handles GET /quarantine/messages?user_id=&limit=.
func (s *Server) listQuarantineHandler(c *echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user_id is required")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return writeError(c, http.StatusBadRequest, "validation_error", "limit must be an integer in [1,1000]")
		}
		limit = n
	}
	entries, err := s.deps.Protocol.QuarantineQueue(c.Request().Context(), userID, limit)
	if err != nil {
		return mapStoreError(c, err)
	}
	if entries == nil {
		entries = []*models.QuarantineEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// releaseQuarantineHandler handles POST /quarantine/:entry_id/release.
func (s *Server) releaseQuarantineHandler(c *echo.Context) error {
	entryID := c.Param("entry_id")
	if entryID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "entry id is required")
	}
	if err := s.deps.Protocol.Release(c.Request().Context(), entryID); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "released"})
}

type releaseRangeRequest struct {
	UserID string `json:"user_id"`
	FromID int64  `json:"from_id"`
	ToID   int64  `json:"to_id"`
}

// releaseRangeHandler handles POST /quarantine/release-range, bulk-feeding a
// platform id range back into intake.
func (s *Server) releaseRangeHandler(c *echo.Context) error {
	var req releaseRangeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if req.UserID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user_id is required")
	}
	if req.FromID > req.ToID {
		return writeError(c, http.StatusBadRequest, "validation_error", "from_id must not exceed to_id")
	}
	released, err := s.deps.Protocol.ReleaseRange(c.Request().Context(), req.UserID, req.FromID, req.ToID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"released": released})
}

type purgeRequest struct {
	UserID string `json:"user_id"`
}

// purgeQuarantineHandler handles POST /quarantine/purge. Entries are
// soft-deleted and retained for audit.
func (s *Server) purgeQuarantineHandler(c *echo.Context) error {
	var req purgeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if req.UserID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user_id is required")
	}
	purged, err := s.deps.Protocol.Purge(c.Request().Context(), req.UserID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"purged": purged})
}
