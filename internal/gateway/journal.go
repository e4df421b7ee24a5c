package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/flow402/gateway/internal/httpx"
	"github.com/flow402/gateway/internal/ledger"
)

// JournalEntryView is the read-only shape returned by GET /gateway/journal.
type JournalEntryView struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	AmountCredits int64     `json:"amount_credits"`
	Ref           string    `json:"ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// JournalReader is the narrow read contract the journal endpoint needs,
// kept separate from ledger.Store so the Handler doesn't need write access
// to expose this operator debugging surface.
type JournalReader interface {
	RecentJournal(ctx context.Context, tenant, user string, limit int) ([]ledger.JournalEntry, error)
}

// RegisterJournal mounts the operator-only journal read endpoint
// (SPEC_FULL.md §5 supplemented feature) behind operatorAuth.
func (h *Handler) RegisterJournal(app fiber.Router, reader JournalReader, operatorAuth fiber.Handler) {
	app.Get("/gateway/journal", operatorAuth, func(c *fiber.Ctx) error {
		requestID := httpx.NewRequestID()
		userID := strings.TrimSpace(c.Query("userId"))
		if userID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(httpx.NewErrorBody("invalid_request", "", requestID))
		}

		entries, err := reader.RecentJournal(c.Context(), h.scopedTenantID, userID, 50)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(httpx.NewErrorBody("mutation_failed", "", requestID))
		}

		views := make([]JournalEntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, JournalEntryView{
				ID: e.ID, Kind: string(e.Kind), AmountCredits: e.AmountCredits,
				Ref: e.Ref, CreatedAt: e.CreatedAt,
			})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"entries": views})
	})
}
