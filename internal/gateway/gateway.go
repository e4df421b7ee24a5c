// Package gateway implements Flow402's Gateway Pipeline (C5): the Fiber
// handler chain that orchestrates signature verification, tenant
// resolution, idempotency claiming, and ledger mutation for the
// /gateway/deduct endpoint, per §4.5.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/flow402/gateway/internal/httpx"
	"github.com/flow402/gateway/internal/idempotency"
	"github.com/flow402/gateway/internal/ledger"
	"github.com/flow402/gateway/internal/observability"
	"github.com/flow402/gateway/internal/signing"
	"github.com/flow402/gateway/internal/tenant"
)

const (
	headerVendorKey     = "x-f402-key"
	headerIdempotency   = "Idempotency-Key"
)

var validate = validator.New()

// deductRequest is the body schema for POST /gateway/deduct (§6).
type deductRequest struct {
	UserID        string `json:"userId" validate:"required,uuid4"`
	Ref           string `json:"ref" validate:"required,min=6"`
	AmountCredits int64  `json:"amount_credits" validate:"required,gt=0"`
}

// Handler wires C1-C4 into the Fiber handler chain. scopedTenantID is the
// single tenant this process is authorized to serve (§4.5 step 3).
type Handler struct {
	registry       *tenant.Registry
	idempStore     idempotency.Store
	ledger         *ledger.Engine
	scopedTenantID string
	skew           time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// NewHandler constructs a gateway Handler.
func NewHandler(registry *tenant.Registry, idempStore idempotency.Store, ledgerEngine *ledger.Engine, scopedTenantID string, skew time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:       registry,
		idempStore:     idempStore,
		ledger:         ledgerEngine,
		scopedTenantID: scopedTenantID,
		skew:           skew,
		logger:         logger,
		metrics:        metrics,
	}
}

// Register mounts the gateway routes onto app.
func (h *Handler) Register(app fiber.Router) {
	app.Post("/gateway/deduct", h.Deduct)
}

// Deduct implements the ten-step pipeline of §4.5.
func (h *Handler) Deduct(c *fiber.Ctx) error {
	requestID := httpx.NewRequestID()
	ctx := c.Context()

	// Step 1: vendor key header required. Filed under the signature/auth
	// taxonomy (401) rather than general validation (400) because it's the
	// first gate in the step-by-step pipeline of §4.5, same as an invalid
	// signature.
	vendorKey := strings.TrimSpace(c.Get(headerVendorKey))
	if vendorKey == "" {
		return h.authError(c, requestID, "missing_vendor_key")
	}

	// Step 2: idempotency key required.
	idemKey := strings.TrimSpace(c.Get(headerIdempotency))
	if idemKey == "" {
		h.count("deduct", "missing_idempotency_key")
		return c.Status(fiber.StatusBadRequest).JSON(httpx.NewErrorBody("missing_idempotency_key", "", requestID))
	}

	// Step 3: resolve tenant, enforce process scope.
	rec, err := h.registry.Resolve(ctx, vendorKey)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrVendorNotFound):
			return h.authError(c, requestID, "unknown_vendor")
		case errors.Is(err, tenant.ErrValidation):
			return h.authError(c, requestID, "unknown_vendor")
		default:
			h.logger.Error("tenant lookup failed", zap.Error(err))
			return h.authError(c, requestID, "unknown_vendor")
		}
	}
	if rec.ID != h.scopedTenantID {
		return h.authError(c, requestID, "vendor_mismatch")
	}

	// Step 4: verify signature over the raw body bytes.
	body := c.Body()
	headers := signing.Headers{
		Signature: firstNonEmpty(c.Get(signing.HeaderSigPreferred), c.Get(signing.HeaderSigLegacy)),
		BodySHA:   c.Get(signing.HeaderBodySHA),
	}
	if _, err := signing.Verify(headers, rec.SigningSecret, body, time.Now(), h.skew); err != nil {
		reason, _ := signing.AsReason(err)
		return h.authError(c, requestID, string(reason))
	}

	// Step 5: parse and validate the body.
	var req deductRequest
	if perr := json.Unmarshal(body, &req); perr != nil {
		return h.persistedBadRequest(c, ctx, idemKey, "POST", c.Path(), body, requestID)
	}
	if verr := validate.Struct(&req); verr != nil {
		return h.persistedBadRequest(c, ctx, idemKey, "POST", c.Path(), body, requestID)
	}

	// Step 6: claim idempotency.
	bodySHA := signing.BodySHA256(body)
	outcome, err := h.idempStore.Claim(ctx, idemKey, "POST", c.Path(), bodySHA, time.Now())
	if err != nil {
		h.count("deduct", "idempotency_store_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("idempotency_store_failed", "", requestID))
	}
	switch outcome.Kind {
	case idempotency.Replay:
		h.count("deduct", "replay")
		if outcome.ReplayStatus == fiber.StatusPaymentRequired {
			// Every 402 emission is signed (SPEC_FULL.md §1), including a
			// replayed one — the stored body has no header, so re-sign it.
			sig := signing.Sign(rec.SigningSecret, outcome.ReplayBody, time.Now().Unix())
			c.Set(signing.HeaderSigPreferred, sig)
		}
		return c.Status(outcome.ReplayStatus).Send(outcome.ReplayBody)
	case idempotency.Locked:
		h.count("deduct", "request_in_progress")
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("request_in_progress", "", requestID))
	case idempotency.Conflict:
		h.count("deduct", "idempotency_conflict")
		return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("idempotency_conflict", outcome.ConflictReason, requestID))
	}

	// Step 7: pre-check balance so the common insufficient-funds path
	// avoids a doomed ledger call.
	currentBalance, err := h.ledger.Balance(ctx, rec.ID, req.UserID)
	if err != nil {
		return h.releaseAnd500(c, ctx, idemKey, requestID, "balance_lookup_failed")
	}
	if currentBalance < req.AmountCredits {
		return h.persistPaywall(c, ctx, idemKey, req.AmountCredits, req.UserID, rec.SigningSecret, requestID)
	}

	// Step 8: debit.
	metadata := datatypes.JSON(nil)
	newBalance, err := h.ledger.Debit(ctx, rec.ID, req.UserID, req.AmountCredits, req.Ref, metadata)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return h.persistPaywall(c, ctx, idemKey, req.AmountCredits, req.UserID, rec.SigningSecret, requestID)
	}
	if errors.Is(err, ledger.ErrRefClassMismatch) {
		return h.persistJSON(c, ctx, idemKey, fiber.StatusConflict, requestID, "ref_class_mismatch", "")
	}
	if err != nil {
		return h.releaseAnd500(c, ctx, idemKey, requestID, "mutation_failed")
	}

	// Step 9: success.
	h.count("deduct", "ok")
	if h.metrics != nil {
		h.metrics.DebitAmount.Observe(float64(req.AmountCredits))
	}
	return h.persistOK(c, ctx, idemKey, newBalance, requestID)
}

func (h *Handler) authError(c *fiber.Ctx, requestID, reason string) error {
	h.count("deduct", "invalid_signature")
	return c.Status(fiber.StatusUnauthorized).JSON(httpx.NewErrorBody("invalid_signature", reason, requestID))
}

// persistedBadRequest reserves the idempotency slot (so retries replay the
// same 400) then writes the invalid_request body, per §4.5 step 5.
func (h *Handler) persistedBadRequest(c *fiber.Ctx, ctx context.Context, idemKey, method, path string, body []byte, requestID string) error {
	bodySHA := signing.BodySHA256(body)
	outcome, err := h.idempStore.Claim(ctx, idemKey, method, path, bodySHA, time.Now())
	if err == nil {
		switch outcome.Kind {
		case idempotency.Replay:
			return c.Status(outcome.ReplayStatus).Send(outcome.ReplayBody)
		case idempotency.Locked:
			return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("request_in_progress", "", requestID))
		case idempotency.Conflict:
			return c.Status(fiber.StatusConflict).JSON(httpx.NewErrorBody("idempotency_conflict", outcome.ConflictReason, requestID))
		}
	}
	return h.persistJSON(c, ctx, idemKey, fiber.StatusBadRequest, requestID, "invalid_request", "")
}

func (h *Handler) persistPaywall(c *fiber.Ctx, ctx context.Context, idemKey string, price int64, userID string, secret []byte, requestID string) error {
	h.count("deduct", "insufficient_funds")
	envelope := httpx.NewPaywallEnvelope(price, userID)
	payload, _ := json.Marshal(envelope)

	if err := h.idempStore.PersistResponse(ctx, idemKey, fiber.StatusPaymentRequired, payload); err != nil {
		h.logger.Warn("failed to persist paywall response", zap.Error(err))
	}

	sig := signing.Sign(secret, payload, time.Now().Unix())
	c.Set(signing.HeaderSigPreferred, sig)
	return c.Status(fiber.StatusPaymentRequired).Send(payload)
}

func (h *Handler) persistOK(c *fiber.Ctx, ctx context.Context, idemKey string, newBalance int64, requestID string) error {
	payload, _ := json.Marshal(fiber.Map{"ok": true, "new_balance": newBalance})
	if err := h.idempStore.PersistResponse(ctx, idemKey, fiber.StatusOK, payload); err != nil {
		h.logger.Warn("failed to persist success response", zap.Error(err))
	}
	return c.Status(fiber.StatusOK).Send(payload)
}

func (h *Handler) persistJSON(c *fiber.Ctx, ctx context.Context, idemKey string, status int, requestID, kind, reason string) error {
	h.count("deduct", kind)
	body := httpx.NewErrorBody(kind, reason, requestID)
	payload, _ := json.Marshal(body)
	if err := h.idempStore.PersistResponse(ctx, idemKey, status, payload); err != nil {
		h.logger.Warn("failed to persist error response", zap.Error(err))
	}
	return c.Status(status).Send(payload)
}

// releaseAnd500 releases the idempotency reservation (no ledger side effect
// occurred, per the §9 open-question resolution) and returns a 500.
func (h *Handler) releaseAnd500(c *fiber.Ctx, ctx context.Context, idemKey, requestID, kind string) error {
	h.count("deduct", kind)
	if err := h.idempStore.Release(ctx, idemKey); err != nil {
		h.logger.Warn("failed to release idempotency reservation", zap.Error(err))
	}
	return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody(kind, "", requestID))
}

func (h *Handler) count(route, outcome string) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(route, outcome).Inc()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
