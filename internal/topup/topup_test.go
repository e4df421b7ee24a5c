package topup

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/flow402/gateway/internal/idempotency"
	"github.com/flow402/gateway/internal/ledger"
)

const (
	testTenantID = "0b7d4b0a-6e10-4db4-8571-2c74e07bcb35"
	testUserID   = "9c0383a1-0887-4c0f-98ca-cb71ffc4e76c"
)

func newTestApp(t *testing.T) (*fiber.App, *ledger.Engine) {
	t.Helper()
	ledgerEngine := ledger.NewEngine(ledger.NewMemoryStore())
	idemStore := idempotency.NewMemoryStore()
	h := NewHandler(idemStore, ledgerEngine, testTenantID, nil)

	app := fiber.New()
	noopOperatorAuth := func(c *fiber.Ctx) error { return c.Next() }
	h.Register(app, noopOperatorAuth)
	return app, ledgerEngine
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestMockTopupCreditsBalance(t *testing.T) {
	app, ledgerEngine := newTestApp(t)
	body, _ := json.Marshal(fiber.Map{"userId": testUserID, "amount_credits": 20})

	req, _ := http.NewRequest(http.MethodPost, "/topup/mock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "topup-1")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	bal, err := ledgerEngine.Balance(context.Background(), testTenantID, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 20 {
		t.Fatalf("expected balance 20, got %d", bal)
	}
}

func TestMockTopupRequiresIdempotencyKey(t *testing.T) {
	app, _ := newTestApp(t)
	body, _ := json.Marshal(fiber.Map{"userId": testUserID, "amount_credits": 20})

	req, _ := http.NewRequest(http.MethodPost, "/topup/mock", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMockTopupReplaysOnSameIdempotencyKey(t *testing.T) {
	app, ledgerEngine := newTestApp(t)
	body, _ := json.Marshal(fiber.Map{"userId": testUserID, "amount_credits": 20})

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/topup/mock", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "topup-replay")

		resp, err := app.Test(req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 on attempt %d, got %d", i, resp.StatusCode)
		}
	}

	bal, err := ledgerEngine.Balance(context.Background(), testTenantID, testUserID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != 20 {
		t.Fatalf("expected balance credited exactly once (20), got %d", bal)
	}
}

func TestResetZeroesBalance(t *testing.T) {
	app, ledgerEngine := newTestApp(t)
	if _, err := ledgerEngine.Credit(context.Background(), testTenantID, testUserID, 30, ledger.KindTopup, "seed", nil); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(fiber.Map{"userId": testUserID})
	req, _ := http.NewRequest(http.MethodPost, "/topup/reset", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		OK                     bool  `json:"ok"`
		PreviousBalanceCredits int64 `json:"previous_balance_credits"`
		NewBalanceCredits      int64 `json:"new_balance_credits"`
	}
	decode(t, resp, &out)
	if !out.OK || out.PreviousBalanceCredits != 30 || out.NewBalanceCredits != 0 {
		t.Fatalf("unexpected reset body: %+v", out)
	}
}

func TestBalanceReturnsCurrentValue(t *testing.T) {
	app, ledgerEngine := newTestApp(t)
	if _, err := ledgerEngine.Credit(context.Background(), testTenantID, testUserID, 7, ledger.KindTopup, "seed", nil); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, "/balance?userId="+testUserID, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		BalanceCredits int64 `json:"balance_credits"`
	}
	decode(t, resp, &out)
	if out.BalanceCredits != 7 {
		t.Fatalf("expected balance 7, got %d", out.BalanceCredits)
	}
}

func TestBalanceRequiresUserID(t *testing.T) {
	app, _ := newTestApp(t)
	req, _ := http.NewRequest(http.MethodGet, "/balance", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
