package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/review"
)

// listPendingResponse pages through the review queue in priority order.
type listPendingResponse struct {
	Items      []*models.ReviewItem `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// listPendingHandler handles GET /reviews/pending.
func (s *Server) listPendingHandler(c *echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return writeError(c, http.StatusBadRequest, "validation_error", "limit must be an integer in [1,200]")
		}
		limit = n
	}
	offset := 0
	if v := c.QueryParam("cursor"); v != "" {
		n, err := decodeCursor(v)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "validation_error", "invalid cursor")
		}
		offset = n
	}

	fetch := offset + limit
	if fetch > 200 {
		fetch = 200
	}
	items, err := s.deps.Review.ListPending(c.Request().Context(), fetch)
	if err != nil {
		return mapStoreError(c, err)
	}
	if offset > len(items) {
		offset = len(items)
	}
	page := items[offset:]
	resp := listPendingResponse{Items: page}
	if len(page) == limit && fetch < 200 {
		resp.NextCursor = encodeCursor(offset + len(page))
	}
	if resp.Items == nil {
		resp.Items = []*models.ReviewItem{}
	}
	return c.JSON(http.StatusOK, resp)
}

// claimHandler handles POST /reviews/:id/claim.
func (s *Server) claimHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "interaction id is required")
	}
	if err := s.deps.Review.Claim(c.Request().Context(), id, extractAuthor(c)); err != nil {
		return mapStoreError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// approveHandler handles POST /reviews/:id/approve.
func (s *Server) approveHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "interaction id is required")
	}
	if err := s.refuseWhenApprovedFull(c); err != nil {
		return err
	}

	var req review.ApproveRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if req.ReviewerID == "" {
		req.ReviewerID = extractAuthor(c)
	}

	it, err := s.deps.Review.Approve(c.Request().Context(), id, req)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// rejectHandler handles POST /reviews/:id/reject.
func (s *Server) rejectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "interaction id is required")
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if err := s.deps.Review.Reject(c.Request().Context(), id, extractAuthor(c), req.Reason); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "rejected"})
}

// refuseWhenApprovedFull applies the hard-stop watermark on the outbound
// dispatch backlog.
func (s *Server) refuseWhenApprovedFull(c *echo.Context) error {
	if s.cfg.ApprovedHighWatermark <= 0 {
		return nil
	}
	depth, err := s.deps.Broker.ApprovedLen(c.Request().Context())
	if err != nil {
		s.logger.Warn("Approved depth check failed", "error", err)
		return nil
	}
	if depth >= s.cfg.ApprovedHighWatermark*hardStopMultiplier {
		c.Response().Header().Set("Retry-After", "30")
		return writeError(c, http.StatusServiceUnavailable, "overloaded", "approved queue above hard-stop watermark")
	}
	return nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}
