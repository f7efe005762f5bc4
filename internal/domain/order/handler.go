package order

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medmart/marketplace/internal/platform/auth"
	"github.com/medmart/marketplace/pkg/pagination"
)

type Handler struct {
	svc   *Service
	board *Board
}

// NewHandler wires the HTTP surface. board may be nil, in which case the
// unified views are computed from the repository on every request.
func NewHandler(svc *Service, board *Board) *Handler {
	return &Handler{svc: svc, board: board}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Admin console
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/counts", h.CountOrders)
	readGroup.GET("/orders/dashboard", h.Dashboard)
	readGroup.GET("/medication-orders", h.ListMedicationOrders)
	readGroup.GET("/medication-orders/:id", h.GetMedicationOrder)
	readGroup.GET("/lab-test-orders", h.ListLabTestOrders)
	readGroup.GET("/lab-test-orders/:id", h.GetLabTestOrder)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/medication-orders/:id/transition", h.TransitionMedicationOrder)
	writeGroup.POST("/lab-test-orders/:id/transition", h.TransitionLabTestOrder)
	writeGroup.PUT("/medication-orders/:id/payment", h.UpdateMedicationPayment)
	writeGroup.PUT("/lab-test-orders/:id/payment", h.UpdateLabTestPayment)
	writeGroup.PUT("/lab-test-orders/:id/collection", h.RescheduleCollection)

	// Checkout, customers and admins
	placeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, "customer"))
	placeGroup.POST("/medication-orders", h.CreateMedicationOrder)
	placeGroup.POST("/lab-test-orders", h.CreateLabTestOrder)
}

// -- Unified views --

func (h *Handler) unified(c echo.Context) ([]UnifiedOrder, error) {
	if h.board != nil && h.board.Loaded() {
		return h.board.Snapshot().Orders, nil
	}
	return h.svc.Unified(c.Request().Context())
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	all, err := h.unified(c)
	if err != nil {
		return httpError(err)
	}
	filtered := Filter(all, FilterOptions{
		SearchTerm: c.QueryParam("search"),
		Status:     c.QueryParam("status"),
		Type:       c.QueryParam("type"),
	})
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(filtered, pg), len(filtered), pg.Limit, pg.Offset))
}

// CountOrders returns per-status counts for the status tabs. The status
// query parameter is ignored; each tab shows its own total.
func (h *Handler) CountOrders(c echo.Context) error {
	all, err := h.unified(c)
	if err != nil {
		return httpError(err)
	}
	filtered := Filter(all, FilterOptions{
		SearchTerm: c.QueryParam("search"),
		Type:       c.QueryParam("type"),
	})
	counts := map[string]int{AllFilter: len(filtered)}
	for s, n := range CountByStatus(filtered) {
		counts[string(s)] = n
	}
	return c.JSON(http.StatusOK, counts)
}

type dashboardResponse struct {
	Total        int            `json:"total"`
	StatusCounts map[Status]int `json:"status_counts"`
	KindCounts   map[Kind]int   `json:"type_counts"`
	Successful   int            `json:"successful"`
	PaidRevenue  string         `json:"paid_revenue"`
	Recent       []UnifiedOrder `json:"recent"`
	Live         bool           `json:"live"`
}

const dashboardRecent = 10

func (h *Handler) Dashboard(c echo.Context) error {
	var snap Snapshot
	live := h.board != nil && h.board.Loaded()
	if live {
		snap = h.board.Snapshot()
	} else {
		all, err := h.svc.Unified(c.Request().Context())
		if err != nil {
			return httpError(err)
		}
		snap = buildSnapshot(all, h.svc.now())
	}
	return c.JSON(http.StatusOK, dashboardResponse{
		Total:        len(snap.Orders),
		StatusCounts: snap.StatusCounts,
		KindCounts:   snap.KindCounts,
		Successful:   snap.Successful,
		PaidRevenue:  snap.PaidRevenue.StringFixed(2),
		Recent:       pagination.Page(snap.Orders, pagination.Params{Limit: dashboardRecent}),
		Live:         live,
	})
}

// -- Per-kind reads --

func (h *Handler) ListMedicationOrders(c echo.Context) error { return h.list(c, KindMedication) }
func (h *Handler) ListLabTestOrders(c echo.Context) error    { return h.list(c, KindLabTest) }
func (h *Handler) GetMedicationOrder(c echo.Context) error   { return h.get(c, KindMedication) }
func (h *Handler) GetLabTestOrder(c echo.Context) error      { return h.get(c, KindLabTest) }

func (h *Handler) list(c echo.Context, kind Kind) error {
	pg := pagination.FromContext(c)
	orders, err := h.svc.List(c.Request().Context(), kind)
	if err != nil {
		return httpError(err)
	}
	if status := c.QueryParam("status"); active(status) {
		kept := orders[:0]
		for _, o := range orders {
			if string(o.Common().Status) == status {
				kept = append(kept, o)
			}
		}
		orders = kept
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(orders, pg), len(orders), pg.Limit, pg.Offset))
}

func (h *Handler) get(c echo.Context, kind Kind) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.Get(c.Request().Context(), kind, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, o)
}

// -- Placement --

func (h *Handler) CreateMedicationOrder(c echo.Context) error {
	var o MedicationOrder
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o.UserID = callerID(c)
	created, err := h.svc.PlaceMedicationOrder(c.Request().Context(), &o)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) CreateLabTestOrder(c echo.Context) error {
	var o LabTestOrder
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o.UserID = callerID(c)
	created, err := h.svc.BookLabTest(c.Request().Context(), &o)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// callerID returns the authenticated subject when it is a UUID. Dev and
// service identities are not customer accounts and yield nil.
func callerID(c echo.Context) *uuid.UUID {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return nil
	}
	return &id
}

// -- Mutations --

func (h *Handler) TransitionMedicationOrder(c echo.Context) error {
	return h.transition(c, KindMedication)
}

func (h *Handler) TransitionLabTestOrder(c echo.Context) error {
	return h.transition(c, KindLabTest)
}

func (h *Handler) transition(c echo.Context, kind Kind) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.ApplyTransition(c.Request().Context(), kind, id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) UpdateMedicationPayment(c echo.Context) error {
	return h.payment(c, KindMedication)
}

func (h *Handler) UpdateLabTestPayment(c echo.Context) error {
	return h.payment(c, KindLabTest)
}

func (h *Handler) payment(c echo.Context, kind Kind) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		PaymentStatus PaymentStatus `json:"payment_status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.UpdatePaymentStatus(c.Request().Context(), kind, id, body.PaymentStatus)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) RescheduleCollection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		CollectionDate *Date   `json:"collection_date"`
		CollectionTime *string `json:"collection_time"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.RescheduleCollection(c.Request().Context(), id, body.CollectionDate, body.CollectionTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// httpError maps domain errors onto HTTP responses.
func httpError(err error) error {
	var ve *ValidationError
	var ite *InvalidTransitionError
	var ce *ConflictError
	var te *TransportError

	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.As(err, &ite):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": ite.Error(),
			"from":    ite.From,
			"to":      ite.To,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.As(err, &ce):
		body := map[string]interface{}{
			"message":   "order was modified concurrently, please retry",
			"retryable": true,
		}
		if ce.Current != nil {
			body["current"] = ce.Current
		}
		return echo.NewHTTPError(http.StatusConflict, body)
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusServiceUnavailable, map[string]interface{}{
			"message":   "order store unavailable, please retry",
			"retryable": true,
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
