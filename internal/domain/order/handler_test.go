package order

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medmart/marketplace/internal/platform/auth"
	"github.com/medmart/marketplace/pkg/pagination"
)

func newTestHandler() (*Handler, Repository, *echo.Echo) {
	repo := NewInMemoryRepo()
	svc := NewService(repo, zerolog.New(io.Discard))
	board := NewBoard(repo, zerolog.New(io.Discard))
	svc.SetStatsRefresher(board)
	return NewHandler(svc, board), repo, echo.New()
}

func newCtx(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id uuid.UUID) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c
}

func expectHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected echo.HTTPError %d, got %v", code, err)
	}
	if he.Code != code {
		t.Fatalf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
	return he
}

func TestHandler_CreateMedicationOrder(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"delivery_address":"12 Lake Road","delivery_phone":"0801","medication_order_items":[{"product_reference":"SKU-1","quantity":2,"unit_price":"10.00"}]}`
	c, rec := newCtx(e, http.MethodPost, "/api/v1/medication-orders", body)

	userID := uuid.New()
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), userID.String(), []string{"customer"})))

	if err := h.CreateMedicationOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var o MedicationOrder
	json.Unmarshal(rec.Body.Bytes(), &o)
	if o.Status != StatusPending || o.TotalAmount.StringFixed(2) != "20.00" {
		t.Errorf("unexpected order: %s %s", o.Status, o.TotalAmount)
	}
	if o.UserID == nil || *o.UserID != userID {
		t.Errorf("expected caller id on order, got %v", o.UserID)
	}
}

func TestHandler_CreateMedicationOrder_BadRequest(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := newCtx(e, http.MethodPost, "/api/v1/medication-orders", `{"delivery_phone":"0801"}`)

	he := expectHTTPError(t, h.CreateMedicationOrder(c), http.StatusBadRequest)
	msg, _ := he.Message.(map[string]interface{})
	if msg["field"] != "delivery_address" {
		t.Errorf("expected delivery_address field, got %v", he.Message)
	}
}

func TestHandler_CreateLabTestOrder(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"patient_name":"Meera","collection_phone":"0702","collection_date":"2026-10-20","lab_test_order_items":[{"product_reference":"LAB-CBC","quantity":1,"unit_price":350}]}`
	c, rec := newCtx(e, http.MethodPost, "/api/v1/lab-test-orders", body)

	if err := h.CreateLabTestOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"collection_date":"2026-10-20"`) {
		t.Errorf("expected collection date in body: %s", rec.Body.String())
	}
}

func TestHandler_GetOrder(t *testing.T) {
	h, repo, e := newTestHandler()
	o := seed(t, repo, newLabOrder(StatusPending))

	c, rec := newCtx(e, http.MethodGet, "/", "")
	if err := h.GetLabTestOrder(withID(c, o.Common().ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newCtx(e, http.MethodGet, "/", "")
	expectHTTPError(t, h.GetMedicationOrder(withID(c, o.Common().ID)), http.StatusNotFound)

	c, _ = newCtx(e, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetLabTestOrder(c), http.StatusBadRequest)
}

func TestHandler_Transition(t *testing.T) {
	h, repo, e := newTestHandler()
	o := seed(t, repo, newMedOrder(StatusPending))

	c, rec := newCtx(e, http.MethodPost, "/", `{"status":"shipped","tracking_number":"TRK123"}`)
	if err := h.TransitionMedicationOrder(withID(c, o.Common().ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m MedicationOrder
	json.Unmarshal(rec.Body.Bytes(), &m)
	if m.Status != StatusShipped || strVal(m.TrackingNumber) != "TRK123" {
		t.Errorf("unexpected result: %+v", m)
	}
}

func TestHandler_Transition_ErrorMapping(t *testing.T) {
	h, repo, e := newTestHandler()
	delivered := seed(t, repo, newMedOrder(StatusDelivered))

	c, _ := newCtx(e, http.MethodPost, "/", `{"status":"processing"}`)
	expectHTTPError(t, h.TransitionMedicationOrder(withID(c, delivered.Common().ID)), http.StatusUnprocessableEntity)

	c, _ = newCtx(e, http.MethodPost, "/", `{"status":"confirmed","tracking_number":"T"}`)
	expectHTTPError(t, h.TransitionMedicationOrder(withID(c, delivered.Common().ID)), http.StatusBadRequest)

	c, _ = newCtx(e, http.MethodPost, "/", `{"status":"confirmed"}`)
	expectHTTPError(t, h.TransitionLabTestOrder(withID(c, uuid.New())), http.StatusNotFound)
}

func TestHandler_Transition_Conflict(t *testing.T) {
	h, repo, e := newTestHandler()
	o := seed(t, repo, newLabOrder(StatusPending))
	stale := o.Common().UpdatedAt
	if _, err := repo.UpdateStatus(context.Background(), KindLabTest, o.Common().ID, StatusConfirmed, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	staleJSON, _ := json.Marshal(stale)
	c, _ := newCtx(e, http.MethodPost, "/", `{"status":"processing","expected_updated_at":`+string(staleJSON)+`}`)
	he := expectHTTPError(t, h.TransitionLabTestOrder(withID(c, o.Common().ID)), http.StatusConflict)
	body, _ := he.Message.(map[string]interface{})
	if body["message"] != "order was modified concurrently, please retry" {
		t.Errorf("unexpected message: %v", body["message"])
	}
	current, ok := body["current"].(Order)
	if !ok || current.Common().Status != StatusConfirmed {
		t.Errorf("expected current order in conflict body, got %v", body["current"])
	}
}

func TestHandler_Payment(t *testing.T) {
	h, repo, e := newTestHandler()
	o := seed(t, repo, newMedOrder(StatusShipped))

	c, rec := newCtx(e, http.MethodPut, "/", `{"payment_status":"paid"}`)
	if err := h.UpdateMedicationPayment(withID(c, o.Common().ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"payment_status":"paid"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newCtx(e, http.MethodPut, "/", `{"payment_status":"Paid"}`)
	expectHTTPError(t, h.UpdateLabTestPayment(withID(c, o.Common().ID)), http.StatusBadRequest)
}

func TestHandler_RescheduleCollection(t *testing.T) {
	h, repo, e := newTestHandler()
	o := seed(t, repo, newLabOrder(StatusConfirmed))

	c, rec := newCtx(e, http.MethodPut, "/", `{"collection_date":"2026-10-25","collection_time":"07:00-08:00"}`)
	if err := h.RescheduleCollection(withID(c, o.Common().ID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"collection_date":"2026-10-25"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newCtx(e, http.MethodPut, "/", `{"collection_date":"25/10/2026"}`)
	expectHTTPError(t, h.RescheduleCollection(withID(c, o.Common().ID)), http.StatusBadRequest)
}

func TestHandler_ListOrders_FilterAndPaginate(t *testing.T) {
	h, repo, e := newTestHandler()
	for i := 0; i < 3; i++ {
		m := newMedOrder(StatusPending)
		m.OrderNumber = ""
		seed(t, repo, m)
	}
	seed(t, repo, newLabOrder(StatusPending))

	c, rec := newCtx(e, http.MethodGet, "/api/v1/orders?type=medication&limit=2", "")
	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []UnifiedOrder `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
	for _, o := range resp.Data {
		if o.Type != KindMedication {
			t.Errorf("type filter leaked %s", o.Type)
		}
	}
}

func TestHandler_CountOrders(t *testing.T) {
	h, repo, e := newTestHandler()
	seed(t, repo, newMedOrder(StatusPending))
	seed(t, repo, newLabOrder(StatusCompleted))

	c, rec := newCtx(e, http.MethodGet, "/api/v1/orders/counts?status=pending", "")
	if err := h.CountOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var counts map[string]int
	json.Unmarshal(rec.Body.Bytes(), &counts)
	if counts["all"] != 2 || counts["pending"] != 1 || counts["completed"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestHandler_Dashboard(t *testing.T) {
	h, repo, e := newTestHandler()
	o := newMedOrder(StatusDelivered)
	o.PaymentStatus = PaymentPaid
	seed(t, repo, o)

	c, rec := newCtx(e, http.MethodGet, "/api/v1/orders/dashboard", "")
	if err := h.Dashboard(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp dashboardResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Successful != 1 || resp.PaidRevenue != "91.00" {
		t.Errorf("unexpected dashboard: %+v", resp)
	}
	if resp.Live {
		t.Error("board was never loaded, response should not be live")
	}
}

func TestHandler_ListByKind(t *testing.T) {
	h, repo, e := newTestHandler()
	seed(t, repo, newLabOrder(StatusPending))
	cancelled := newLabOrder(StatusCancelled)
	cancelled.OrderNumber = "LAB-20261016-0002"
	seed(t, repo, cancelled)

	c, rec := newCtx(e, http.MethodGet, "/api/v1/lab-test-orders?status=cancelled", "")
	if err := h.ListLabTestOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp pagination.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Errorf("expected 1 cancelled lab order, got %d", resp.Total)
	}
}

func TestHTTPError_Transport(t *testing.T) {
	err := httpError(&TransportError{Op: "list orders", Err: io.EOF})
	expectHTTPError(t, err, http.StatusServiceUnavailable)

	err = httpError(errors.New("unexpected"))
	expectHTTPError(t, err, http.StatusInternalServerError)
}
