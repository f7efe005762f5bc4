package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medmart/marketplace/internal/config"
	"github.com/medmart/marketplace/internal/domain/order"
	"github.com/medmart/marketplace/internal/platform/db"
	"github.com/medmart/marketplace/internal/platform/websocket"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:            env,
		Store:          config.StoreMemory,
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		RequestTimeout: 5 * time.Second,
		BodyLimit:      "1M",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	logger := zerolog.Nop()
	repo := order.NewInMemoryRepo()
	svc := order.NewService(repo, logger)
	board := order.NewBoard(repo, logger)
	svc.SetStatsRefresher(board)
	hub := websocket.NewHub(logger, websocket.PrefixFilter(order.TopicPrefix))
	var pinger db.Pinger
	return newEcho(cfg, logger, svc, board, hub, pinger)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_MemoryStore(t *testing.T) {
	h := newTestServer(t, testConfig("development"))

	rec := do(t, h, http.MethodGet, "/health/db", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"memory"`) {
		t.Errorf("expected memory store in body, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestAPI_RequiresTokenOutsideDevelopment(t *testing.T) {
	cfg := testConfig("production")
	cfg.JWTSecret = testSecret
	h := newTestServer(t, cfg)

	if rec := do(t, h, http.MethodGet, "/api/v1/orders", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("expected public health endpoint, got %d", rec.Code)
	}
}

func TestAPI_OrderLifecycle(t *testing.T) {
	h := newTestServer(t, testConfig("development"))

	rec := do(t, h, http.MethodPost, "/api/v1/medication-orders", `{
		"customer_name": "Asha Rao",
		"delivery_address": "12 Lake Road",
		"delivery_phone": "+91 98450 00000",
		"medication_order_items": [{"product_reference": "SKU-PARA-500", "quantity": 2, "unit_price": "45.50"}]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created order.MedicationOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != order.StatusPending || created.TotalAmount.StringFixed(2) != "91.00" {
		t.Fatalf("unexpected created order: status=%s total=%s", created.Status, created.TotalAmount)
	}

	path := "/api/v1/medication-orders/" + created.ID.String() + "/transition"
	rec = do(t, h, http.MethodPost, path, `{"status":"shipped","tracking_number":"TRK-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ship: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, path, `{"status":"delivered"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, path, `{"status":"processing"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("reopen delivered: expected 422, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/orders/counts", "")
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["all"] != 1 || counts["delivered"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "orders", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "audit"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2026-10-16 09:30:00") {
		t.Errorf("missing applied row: %s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("missing pending row: %s", out)
	}
}
