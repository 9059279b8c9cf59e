package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/database"
	"github.com/hitloop/minder/pkg/ingress"
)

// queueDepths snapshots the broker-side backlog.
type queueDepths struct {
	Intake   int64 `json:"intake"`
	Review   int64 `json:"review"`
	Approved int64 `json:"approved"`
}

type healthResponse struct {
	Status          string                `json:"status"`
	Database        database.HealthStatus `json:"database"`
	BrokerReachable bool                  `json:"broker_reachable"`
	Queues          queueDepths           `json:"queues"`
	Ingress         ingress.Stats         `json:"ingress"`
	RecoveryRunning bool                  `json:"recovery_running"`
}

// healthHandler handles GET /healthz. Degraded dependencies yield 503 so
// orchestration probes see them.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	resp := healthResponse{
		Status:          "ok",
		Database:        s.deps.DB.Health(ctx),
		BrokerReachable: s.deps.Broker.Health(ctx) == nil,
		RecoveryRunning: s.deps.Recovery.Running(),
	}
	if s.deps.Ingress != nil {
		resp.Ingress = s.deps.Ingress.Stats()
	}
	if resp.BrokerReachable {
		resp.Queues.Intake, _ = s.deps.Broker.IntakeLen(ctx)
		resp.Queues.Review, _ = s.deps.Broker.ReviewQueueLen(ctx)
		resp.Queues.Approved, _ = s.deps.Broker.ApprovedLen(ctx)
	}

	status := http.StatusOK
	if !resp.Database.Reachable || !resp.BrokerReachable {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// deadLetterHandler handles GET /intake/dead-letter, an operator view of
// units that exhausted their retries.
func (s *Server) deadLetterHandler(c *echo.Context) error {
	limit := int64(50)
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			return writeError(c, http.StatusBadRequest, "validation_error", "limit must be an integer in [1,1000]")
		}
		limit = n
	}
	raw, err := s.deps.Broker.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return mapStoreError(c, err)
	}
	entries := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, json.RawMessage(r))
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}
