// Package api is the reviewer-facing HTTP surface: review queue operations,
// interaction lookups, protocol and quarantine controls, recovery triggers,
// and model profile management.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/hitloop/minder/pkg/broker"
	"github.com/hitloop/minder/pkg/database"
	"github.com/hitloop/minder/pkg/ingress"
	"github.com/hitloop/minder/pkg/llm"
	"github.com/hitloop/minder/pkg/memory"
	"github.com/hitloop/minder/pkg/protocol"
	"github.com/hitloop/minder/pkg/recovery"
	"github.com/hitloop/minder/pkg/review"
	"github.com/hitloop/minder/pkg/store"
)

// reviewRateLimitPerMin is the per-IP request budget on review routes.
const reviewRateLimitPerMin = 60

// hardStopMultiplier scales the soft high watermark into the hard-stop
// level above which writes are refused with 503.
const hardStopMultiplier = 2

// Config holds the API-facing configuration slice.
type Config struct {
	Addr                  string
	AuthToken             string
	AllowedOrigins        []string
	IntakeHighWatermark   int64
	ApprovedHighWatermark int64
}

// Deps are the service dependencies the handlers call into.
type Deps struct {
	Review   *review.Service
	Stores   *store.Stores
	Broker   *broker.Client
	DB       *database.Client
	Protocol *protocol.Manager
	Ingress  *ingress.Adapter
	Recovery *recovery.Agent
	Router   *llm.Router
	Memory   *memory.Manager
}

// Server wires the echo engine, middleware, and handlers.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	limiter *ipRateLimiter

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		limiter: newIPRateLimiter(reviewRateLimitPerMin),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(corsAllowlist(cfg.AllowedOrigins))
	s.registerRoutes(e)
	s.echo = e
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	auth := s.requireAuth()
	rl := s.rateLimit()

	e.GET("/healthz", s.healthHandler)

	e.GET("/reviews/pending", s.listPendingHandler, rl)
	e.POST("/reviews/:id/claim", s.claimHandler, rl, auth)
	e.POST("/reviews/:id/approve", s.approveHandler, rl, auth)
	e.POST("/reviews/:id/reject", s.rejectHandler, rl, auth)

	e.GET("/interactions/:id", s.getInteractionHandler)
	e.POST("/interactions/:id/reviewer-notes", s.setReviewerNotesHandler, auth)

	e.GET("/users/:user_id/customer-status", s.getCustomerStatusHandler)
	e.POST("/users/:user_id/customer-status", s.setCustomerStatusHandler, auth)
	e.POST("/users/:user_id/nickname", s.setNicknameHandler, auth)
	e.POST("/users/:user_id/erase", s.eraseUserHandler, auth)

	e.GET("/protocol/:user_id", s.getProtocolHandler)
	e.POST("/protocol/:user_id/activate", s.activateProtocolHandler, auth)
	e.POST("/protocol/:user_id/deactivate", s.deactivateProtocolHandler, auth)

	e.GET("/quarantine/messages", s.listQuarantineHandler)
	e.POST("/quarantine/:entry_id/release", s.releaseQuarantineHandler, auth)
	e.POST("/quarantine/release-range", s.releaseRangeHandler, auth)
	e.POST("/quarantine/purge", s.purgeQuarantineHandler, auth)

	e.GET("/recovery/status", s.recoveryStatusHandler)
	e.POST("/recovery/trigger", s.triggerRecoveryHandler, auth)
	e.GET("/recovery/history", s.recoveryHistoryHandler)

	e.GET("/models/profiles", s.listProfilesHandler)
	e.GET("/models/current", s.currentModelHandler)
	e.POST("/models/profile", s.switchProfileHandler, auth)

	e.GET("/intake/dead-letter", s.deadLetterHandler)

	e.POST("/events/message", s.messageEventHandler, auth)
	e.POST("/events/typing", s.typingEventHandler, auth)
}

// Handler exposes the underlying engine, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("Reviewer API listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
