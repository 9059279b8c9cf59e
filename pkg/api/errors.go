package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/sony/gobreaker"

	"github.com/hitloop/minder/pkg/recovery"
	"github.com/hitloop/minder/pkg/store"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// mapStoreError maps service-layer errors to the error envelope.
func mapStoreError(c *echo.Context, err error) error {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return writeError(c, http.StatusBadRequest, "validation_error", validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return writeError(c, http.StatusNotFound, "not_found", "resource not found")
	}
	if errors.Is(err, store.ErrConflict) {
		return writeError(c, http.StatusConflict, "conflict", "resource was modified concurrently")
	}
	if errors.Is(err, store.ErrDuplicate) {
		return writeError(c, http.StatusConflict, "duplicate", "resource already exists")
	}
	if errors.Is(err, recovery.ErrAlreadyRunning) {
		c.Response().Header().Set("Retry-After", "60")
		return writeError(c, http.StatusConflict, "already_running", "a recovery operation is already running")
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		c.Response().Header().Set("Retry-After", "60")
		return writeError(c, http.StatusServiceUnavailable, "circuit_open", "platform circuit breaker is open")
	}

	slog.Error("Unexpected service error", "error", err)
	return writeError(c, http.StatusInternalServerError, "internal_error", "internal server error")
}
