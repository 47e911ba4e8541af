package http

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
	"github.com/LerianStudio/lib-reliability/reliability/fallback"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
)

// ErrorResponse is the body of every error written by this package.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Error allows ErrorResponse to be returned as an error.
func (e ErrorResponse) Error() string {
	return e.Message
}

// WriteError writes an ErrorResponse with status.
func WriteError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{Code: status, Title: title, Message: message})
}

// StatusFor returns the HTTP status and title for a coordinator error.
// Unknown errors map to 500.
func StatusFor(err error) (int, string) {
	var resp ErrorResponse

	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &resp) && resp.Code >= http.StatusContinue && resp.Code <= 599:
		return resp.Code, resp.Title
	case errors.Is(err, idempotency.ErrKeyRequired):
		return http.StatusBadRequest, "idempotency_key_required"
	case errors.Is(err, idempotency.ErrConflict):
		return http.StatusUnprocessableEntity, "idempotency_key_conflict"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict, "resource_locked"
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, fallback.ErrCompositeFailure):
		return http.StatusServiceUnavailable, "service_degraded"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RenderError writes err as an ErrorResponse. Server errors get a generic
// message so internal details do not leak.
func RenderError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	status, title := StatusFor(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}

	return WriteError(c, status, title, message)
}

// FiberErrorHandler is a fiber.ErrorHandler that renders errors with
// RenderError and keeps the status of *fiber.Error values.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return WriteError(c, fe.Code, "request_failed", fe.Message)
	}

	return RenderError(c, err)
}
