package http

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/LerianStudio/lib-reliability/reliability/codec"
	"github.com/LerianStudio/lib-reliability/reliability/idempotency"
	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
)

const (
	// DefaultIdempotencyHeader carries the client supplied key.
	DefaultIdempotencyHeader = "Idempotency-Key"
	// ReplayedHeader is set to "true" on replayed responses.
	ReplayedHeader = "Idempotency-Replayed"
	// MaxIdempotencyKeyLength bounds accepted keys.
	MaxIdempotencyKeyLength = 255
)

// IdempotencyConfig configures WithIdempotency.
type IdempotencyConfig struct {
	// Header carries the key. Defaults to Idempotency-Key.
	Header string
	// Required rejects requests without a key with 400. Otherwise they pass
	// through unguarded.
	Required bool
	// TTL overrides the coordinator TTL for records created here.
	TTL time.Duration
	// Methods guarded by the middleware. Defaults to POST, PUT, PATCH, DELETE.
	Methods []string
	Logger  log.Logger
}

type storedResponse struct {
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// WithIdempotency runs the next handler at most once per idempotency key.
//
// Outcomes: a key reused with another request gets 422, a key still being
// processed gets 409, and a completed key replays the stored status and body
// with Idempotency-Replayed: true. When the handler returns an error, panics
// or answers with a status >= 500 the key is released so the client can retry.
func WithIdempotency(coordinator *idempotency.Coordinator, cfg IdempotencyConfig) fiber.Handler {
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = DefaultIdempotencyHeader
	}

	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []string{fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch, fiber.MethodDelete}
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	serializer := codec.JSON{}

	return func(c *fiber.Ctx) error {
		if coordinator == nil || !slices.Contains(methods, c.Method()) {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(header))
		if key == "" {
			if cfg.Required {
				return WriteError(c, http.StatusBadRequest, "idempotency_key_required",
					header+" header is required")
			}

			return c.Next()
		}

		if len(key) > MaxIdempotencyKeyLength {
			return WriteError(c, http.StatusBadRequest, "idempotency_key_invalid",
				header+" must be at most "+strconv.Itoa(MaxIdempotencyKeyLength)+" characters")
		}

		ctx := c.UserContext()

		fingerprint, err := requestFingerprint(c)
		if err != nil {
			return RenderError(c, err)
		}

		result, err := coordinator.CheckOrBeginTTL(ctx, key, fingerprint, cfg.TTL)
		if err != nil {
			logger.Log(ctx, log.LevelError, "idempotency check failed", log.Err(err))

			return RenderError(c, err)
		}

		switch result.Outcome {
		case idempotency.OutcomeConflict, idempotency.OutcomeInProgress:
			if result.Outcome == idempotency.OutcomeInProgress {
				c.Set(fiber.HeaderRetryAfter, "1")
			}

			return RenderError(c, result.Err())
		case idempotency.OutcomeCompleted:
			return replay(c, serializer, result)
		}

		return runOnce(ctx, c, coordinator, serializer, logger, key)
	}
}

func runOnce(
	ctx context.Context,
	c *fiber.Ctx,
	coordinator *idempotency.Coordinator,
	serializer codec.Serializer,
	logger log.Logger,
	key string,
) error {
	settleCtx := context.WithoutCancel(ctx)
	settled := false

	defer func() {
		if settled {
			return
		}

		if err := coordinator.Fail(settleCtx, key); err != nil {
			logger.Log(settleCtx, log.LevelError, "failed to release idempotency key", log.Err(err))
		}
	}()

	if err := c.Next(); err != nil {
		return err
	}

	status := c.Response().StatusCode()
	if status >= http.StatusInternalServerError {
		return nil
	}

	payload, err := serializer.Encode(storedResponse{
		ContentType: string(c.Response().Header.ContentType()),
		Body:        append([]byte(nil), c.Response().Body()...),
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to encode idempotent response", log.Err(err))

		return nil
	}

	if err := coordinator.CompleteRaw(settleCtx, key, payload, status); err != nil {
		logger.Log(ctx, log.LevelError, "failed to store idempotent response", log.Err(err))

		return nil
	}

	settled = true

	return nil
}

func replay(c *fiber.Ctx, serializer codec.Serializer, result idempotency.Result) error {
	var stored storedResponse
	if err := serializer.Decode(result.Payload, &stored); err != nil {
		return RenderError(c, err)
	}

	if stored.ContentType != "" {
		c.Set(fiber.HeaderContentType, stored.ContentType)
	}

	c.Set(ReplayedHeader, "true")

	return c.Status(result.Code).Send(stored.Body)
}

// requestFingerprint binds the key to method, path and body, so the same key
// sent to another endpoint is a conflict.
func requestFingerprint(c *fiber.Ctx) (string, error) {
	bodyFingerprint, err := idempotency.FingerprintBytes(c.Body())
	if err != nil {
		return "", err
	}

	return idempotency.Fingerprint(map[string]string{
		"method": c.Method(),
		"path":   c.Path(),
		"body":   bodyFingerprint,
	})
}
