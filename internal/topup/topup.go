// Package topup implements Flow402's Top-up Endpoint (C6): an
// unsigned-but-idempotent credit path for operator tooling, plus the
// companion balance-reset and balance-read operations.
package topup

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/flow402/gateway/internal/httpx"
	"github.com/flow402/gateway/internal/idempotency"
	"github.com/flow402/gateway/internal/ledger"
	"github.com/flow402/gateway/internal/signing"
)

var validate = validator.New()

type topupRequest struct {
	UserID        string `json:"userId" validate:"required,uuid4"`
	AmountCredits int64  `json:"amount_credits" validate:"required,gt=0"`
}

type resetRequest struct {
	UserID string `json:"userId" validate:"required,uuid4"`
}

// Handler wires C3+C4 for the operator-facing routes of §4.6.
type Handler struct {
	idempStore     idempotency.Store
	ledger         *ledger.Engine
	scopedTenantID string
	logger         *zap.Logger
}

// NewHandler constructs a topup Handler.
func NewHandler(idempStore idempotency.Store, ledgerEngine *ledger.Engine, scopedTenantID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{idempStore: idempStore, ledger: ledgerEngine, scopedTenantID: scopedTenantID, logger: logger}
}

// Register mounts the top-up routes onto app. operatorAuth is the
// JWT-bearer middleware that gates /topup/reset (§4.6: internal operator
// traffic, not HMAC-signed).
func (h *Handler) Register(app fiber.Router, operatorAuth fiber.Handler) {
	app.Post("/topup/mock", h.Mock)
	app.Post("/topup/reset", operatorAuth, h.Reset)
	app.Get("/balance", h.Balance)
}

// Mock implements POST /topup/mock: requires Idempotency-Key, not HMAC.
func (h *Handler) Mock(c *fiber.Ctx) error {
	requestID := httpx.NewRequestID()
	ctx := c.Context()

	idemKey := strings.TrimSpace(c.Get("Idempotency-Key"))
	if idemKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(httpx.NewErrorBody("missing_idempotency_key", "", requestID))
	}

	body := c.Body()
	var req topupRequest
	if err := json.Unmarshal(body, &req); err != nil || validate.Struct(&req) != nil {
		return h.claimAndRespond(ctx, c, idemKey, "POST", c.Path(), body, requestID, func() (int, []byte) {
			return fiber.StatusBadRequest, mustJSON(httpx.NewErrorBody("invalid_request", "", requestID))
		})
	}

	bodySHA := signing.BodySHA256(body)
	outcome, err := h.idempStore.Claim(ctx, idemKey, "POST", c.Path(), bodySHA, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("idempotency_store_failed", "", requestID))
	}
	switch outcome.Kind {
	case idempotency.Replay:
		return c.Status(outcome.ReplayStatus).Send(outcome.ReplayBody)
	case idempotency.Locked:
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("request_in_progress", "", requestID))
	case idempotency.Conflict:
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("idempotency_conflict", outcome.ConflictReason, requestID))
	}

	ref := "dashboard_topup_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, err := h.ledger.Credit(ctx, h.scopedTenantID, req.UserID, req.AmountCredits, ledger.KindTopup, ref, nil); err != nil {
		if releaseErr := h.idempStore.Release(ctx, idemKey); releaseErr != nil {
			h.logger.Warn("failed to release idempotency reservation", zap.Error(releaseErr))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("mutation_failed", "", requestID))
	}

	payload := mustJSON(fiber.Map{"ok": true})
	if err := h.idempStore.PersistResponse(ctx, idemKey, fiber.StatusOK, payload); err != nil {
		h.logger.Warn("failed to persist topup response", zap.Error(err))
	}
	return c.Status(fiber.StatusOK).Send(payload)
}

// Reset implements PUT-style POST /topup/reset: zeroes a balance.
func (h *Handler) Reset(c *fiber.Ctx) error {
	requestID := httpx.NewRequestID()
	ctx := c.Context()

	var req resetRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || validate.Struct(&req) != nil {
		return c.Status(fiber.StatusBadRequest).JSON(httpx.NewErrorBody("invalid_request", "", requestID))
	}

	previous, err := h.ledger.Reset(ctx, h.scopedTenantID, req.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("mutation_failed", "", requestID))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":                     true,
		"previous_balance_credits": previous,
		"new_balance_credits":      0,
	})
}

// Balance implements GET /balance?userId=....
func (h *Handler) Balance(c *fiber.Ctx) error {
	requestID := httpx.NewRequestID()
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(httpx.NewErrorBody("invalid_request", "", requestID))
	}

	bal, err := h.ledger.Balance(c.Context(), h.scopedTenantID, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("balance_lookup_failed", "", requestID))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"balance_credits": bal})
}

func (h *Handler) claimAndRespond(ctx context.Context, c *fiber.Ctx, idemKey, method, path string, body []byte, requestID string, onNew func() (int, []byte)) error {
	bodySHA := signing.BodySHA256(body)
	outcome, err := h.idempStore.Claim(ctx, idemKey, method, path, bodySHA, time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("idempotency_store_failed", "", requestID))
	}
	switch outcome.Kind {
	case idempotency.Replay:
		return c.Status(outcome.ReplayStatus).Send(outcome.ReplayBody)
	case idempotency.Locked:
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("request_in_progress", "", requestID))
	case idempotency.Conflict:
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("idempotency_conflict", outcome.ConflictReason, requestID))
	}
	status, payload := onNew()
	if err := h.idempStore.PersistResponse(ctx, idemKey, status, payload); err != nil {
		h.logger.Warn("failed to persist response", zap.Error(err))
	}
	return c.Status(status).Send(payload)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
