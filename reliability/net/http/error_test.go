//go:build unit

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-reliability/reliability/circuitbreaker"
	"github.com/LerianStudio/lib-reliability/reliability/fallback"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/lock"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
		title  string
	}{
		{name: "nil", err: nil, status: http.StatusOK},
		{name: "missing key", err: idempotency.ErrKeyRequired, status: http.StatusBadRequest, title: "idempotency_key_required"},
		{name: "conflict", err: fmt.Errorf("wrapped: %w", idempotency.ErrConflict), status: http.StatusUnprocessableEntity, title: "idempotency_key_conflict"},
		{name: "in progress", err: idempotency.ErrInProgress, status: http.StatusConflict, title: "request_in_progress"},
		{name: "lock", err: lock.ErrNotAcquired, status: http.StatusConflict, title: "resource_locked"},
		{name: "breaker open", err: fmt.Errorf("%w: ledger", circuitbreaker.ErrOpen), status: http.StatusServiceUnavailable, title: "service_unavailable"},
		{name: "half open", err: circuitbreaker.ErrTooManyRequests, status: http.StatusServiceUnavailable, title: "service_unavailable"},
		{
			name:   "composite",
			err:    &fallback.CompositeError{Name: "rates", Primary: errors.New("a"), Fallback: errors.New("b")},
			status: http.StatusServiceUnavailable,
			title:  "service_degraded",
		},
		{name: "error response", err: ErrorResponse{Code: http.StatusTeapot, Title: "teapot"}, status: http.StatusTeapot, title: "teapot"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, title: "internal_error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, title := StatusFor(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.title, title)
		})
	}
}

func TestFiberErrorHandler(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: FiberErrorHandler})
	app.Get("/internal", func(*fiber.Ctx) error { return errors.New("dial tcp 10.0.0.1:5432: refused") })
	app.Get("/locked", func(*fiber.Ctx) error { return fmt.Errorf("settle: %w", lock.ErrNotAcquired) })
	app.Get("/fiber", func(*fiber.Ctx) error { return fiber.NewError(http.StatusNotFound, "no such order") })

	testCases := []struct {
		path    string
		status  int
		title   string
		message string
	}{
		{path: "/internal", status: http.StatusInternalServerError, title: "internal_error", message: "Internal Server Error"},
		{path: "/locked", status: http.StatusConflict, title: "resource_locked", message: "settle: lock not acquired"},
		{path: "/fiber", status: http.StatusNotFound, title: "request_failed", message: "no such order"},
	}

	for _, tc := range testCases {
		res, err := app.Test(httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.NoError(t, err)

		raw, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		require.NoError(t, res.Body.Close())

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(raw, &body))

		assert.Equal(t, tc.status, res.StatusCode, tc.path)
		assert.Equal(t, ErrorResponse{Code: tc.status, Title: tc.title, Message: tc.message}, body, tc.path)
	}
}
