package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// customerStatusResponse is the reviewer-facing slice of the user row.
type customerStatusResponse struct {
	UserID         string  `json:"user_id"`
	Nickname       string  `json:"nickname"`
	CustomerStatus string  `json:"customer_status"`
	LifetimeValue  float64 `json:"lifetime_value"`
}

// getCustomerStatusHandler handles GET /users/:user_id/customer-status.
func (s *Server) getCustomerStatusHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	u, err := s.deps.Stores.Users.Get(c.Request().Context(), userID)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, customerStatusResponse{
		UserID:         u.ID,
		Nickname:       u.Nickname,
		CustomerStatus: u.CustomerStatus,
		LifetimeValue:  u.LifetimeValue,
	})
}

type setCustomerStatusRequest struct {
	CustomerStatus string  `json:"customer_status"`
	LifetimeValue  float64 `json:"lifetime_value"`
}

// setCustomerStatusHandler handles POST /users/:user_id/customer-status.
func (s *Server) setCustomerStatusHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	var req setCustomerStatusRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	err := s.deps.Stores.Users.SetCustomerStatus(c.Request().Context(), userID, req.CustomerStatus, req.LifetimeValue)
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

type setNicknameRequest struct {
	Nickname string `json:"nickname"`
}

// setNicknameHandler handles POST /users/:user_id/nickname.
func (s *Server) setNicknameHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	var req setNicknameRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if err := s.deps.Stores.Users.SetNickname(c.Request().Context(), userID, req.Nickname); err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "updated"})
}

// eraseUserHandler handles POST /users/:user_id/erase. Every trace of the
// user goes: store rows in one transaction, then conversation memory and
// the cached protocol flag. The broker cleanups are best-effort since the
// keys expire on their own.
func (s *Server) eraseUserHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user id is required")
	}
	ctx := c.Request().Context()
	if err := s.deps.Stores.Users.Erase(ctx, userID); err != nil {
		return mapStoreError(c, err)
	}
	if err := s.deps.Memory.Forget(ctx, userID); err != nil {
		s.logger.Warn("Failed to clear conversation memory", "user_id", userID, "error", err)
	}
	if err := s.deps.Broker.InvalidateProtocol(ctx, userID); err != nil {
		s.logger.Warn("Failed to drop protocol cache entry", "user_id", userID, "error", err)
	}
	s.logger.Info("User erased", "user_id", userID, "actor", extractAuthor(c))
	return c.JSON(http.StatusOK, map[string]string{"status": "erased"})
}
