package api

import (
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"
)

// listProfilesHandler handles GET /models/profiles.
func (s *Server) listProfilesHandler(c *echo.Context) error {
	profiles := s.deps.Router.Profiles()
	sort.Strings(profiles)
	return c.JSON(http.StatusOK, map[string]any{
		"profiles": profiles,
		"current":  s.deps.Router.CurrentProfile(),
	})
}

// currentModelResponse reports the active profile and whether quota
// exhaustion has pushed calls onto fallbacks.
type currentModelResponse struct {
	Profile  string `json:"profile"`
	Degraded bool   `json:"degraded"`
}

// currentModelHandler handles GET /models/current.
func (s *Server) currentModelHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, currentModelResponse{
		Profile:  s.deps.Router.CurrentProfile(),
		Degraded: s.deps.Router.Degraded(c.Request().Context()),
	})
}

type switchProfileRequest struct {
	Name string `json:"name"`
}

// switchProfileHandler handles POST /models/profile, hot-swapping the
// active profile.
func (s *Server) switchProfileHandler(c *echo.Context) error {
	var req switchProfileRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", "invalid request body")
	}
	if req.Name == "" {
		return writeError(c, http.StatusBadRequest, "validation_error", "name is required")
	}
	if err := s.deps.Router.SwitchProfile(req.Name); err != nil {
		return writeError(c, http.StatusBadRequest, "validation_error", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"profile": req.Name})
}
