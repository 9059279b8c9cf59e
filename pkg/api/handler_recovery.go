package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/models"
	"github.com/hitloop/minder/pkg/recovery"
	"github.com/hitloop/minder/pkg/store"
)

// recoveryStatusResponse pairs the liveness flag with the latest operation.
type recoveryStatusResponse struct {
	Running bool                      `json:"running"`
	LastRun *models.RecoveryOperation `json:"last_run,omitempty"`
}

// recoveryStatusHandler handles GET /recovery/status.
func (s *Server) recoveryStatusHandler(c *echo.Context) error {
	resp := recoveryStatusResponse{Running: s.deps.Recovery.Running()}
	op, err := s.deps.Stores.Recovery.Latest(c.Request().Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return mapStoreError(c, err)
	}
	resp.LastRun = op
	return c.JSON(http.StatusOK, resp)
}

// triggerRecoveryHandler handles POST /recovery/trigger. The pass runs in
// the background; a pass already in flight yields 409.
func (s *Server) triggerRecoveryHandler(c *echo.Context) error {
	if s.deps.Recovery.Running() {
		return mapStoreError(c, recovery.ErrAlreadyRunning)
	}
	go func() {
		if _, err := s.deps.Recovery.Run(context.Background(), models.RecoveryTriggerManual); err != nil &&
			!errors.Is(err, recovery.ErrAlreadyRunning) {
			s.logger.Error("Manual recovery pass failed", "error", err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

// recoveryHistoryHandler handles GET /recovery/history?limit=.
func (s *Server) recoveryHistoryHandler(c *echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return writeError(c, http.StatusBadRequest, "validation_error", "limit must be an integer in [1,200]")
		}
		limit = n
	}
	ops, err := s.deps.Stores.Recovery.History(c.Request().Context(), limit)
	if err != nil {
		return mapStoreError(c, err)
	}
	if ops == nil {
		ops = []*models.RecoveryOperation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"operations": ops})
}
