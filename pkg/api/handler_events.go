package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/ingress"
)

// messageEventRequest is one inbound platform message, posted by the
// platform webhook bridge.
type messageEventRequest struct {
	UserID        string    `json:"user_id"`
	Nickname      string    `json:"nickname"`
	ChannelID     string    `json:"channel_id"`
	PlatformMsgID int64     `json:"platform_msg_id"`
	Text          string    `json:"text"`
	PlatformTS    time.Time `json:"platform_ts"`
}

// messageEventHandler handles POST /events/message.
func (s *Server) messageEventHandler(c *echo.Context) error {
	if err := s.refuseWhenIntakeFull(c); err != nil {
		return err
	}
	var req messageEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	err := s.deps.Ingress.HandleMessage(c.Request().Context(), ingress.MessageEvent{
		UserID:        req.UserID,
		Nickname:      req.Nickname,
		ChannelID:     req.ChannelID,
		PlatformMsgID: req.PlatformMsgID,
		Text:          req.Text,
		PlatformTS:    req.PlatformTS,
	})
	if err != nil {
		return mapStoreError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

type typingEventRequest struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`
}

// typingEventHandler handles POST /events/typing.
func (s *Server) typingEventHandler(c *echo.Context) error {
	var req typingEventRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if req.UserID == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "user_id is required")
	}
	if err := s.deps.Ingress.HandleTyping(c.Request().Context(), req.UserID, req.Active); err != nil {
		return mapStoreError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// refuseWhenIntakeFull applies the hard-stop watermark on the intake log.
// Ingress already slows appends at the soft watermark; past the hard stop
// the event is refused outright.
func (s *Server) refuseWhenIntakeFull(c *echo.Context) error {
	if s.cfg.IntakeHighWatermark <= 0 {
		return nil
	}
	depth, err := s.deps.Broker.IntakeLen(c.Request().Context())
	if err != nil {
		s.logger.Warn("Intake depth check failed", "error", err)
		return nil
	}
	if depth >= s.cfg.IntakeHighWatermark*hardStopMultiplier {
		c.Response().Header().Set("Retry-After", "30")
		return writeError(c, http.StatusServiceUnavailable, "overloaded", "intake log above hard-stop watermark")
	}
	return nil
}
