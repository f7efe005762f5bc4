package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StatsRefresher is told to recompute aggregates after every successful
// mutation.
type StatsRefresher interface {
	Refresh(ctx context.Context) error
}

// EventPublisher receives a StatusChange after every successful mutation.
type EventPublisher interface {
	PublishStatusChange(ctx context.Context, ev StatusChange) error
}

// StatusChange describes one committed mutation. From is empty for new orders.
type StatusChange struct {
	OrderID       uuid.UUID     `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	Kind          Kind          `json:"type"`
	From          Status        `json:"from_status,omitempty"`
	To            Status        `json:"to_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Message       string        `json:"message,omitempty"`
	At            time.Time     `json:"at"`
}

type Service struct {
	repo       Repository
	logger     zerolog.Logger
	refresher  StatsRefresher
	publishers []EventPublisher
	now        func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "order_service").Logger(),
		now:    time.Now,
	}
}

// SetStatsRefresher attaches the aggregate refresher invoked after writes.
func (s *Service) SetStatsRefresher(r StatsRefresher) {
	s.refresher = r
}

// AddPublisher registers an additional status change sink.
func (s *Service) AddPublisher(p EventPublisher) {
	s.publishers = append(s.publishers, p)
}

// SetClock overrides the time source used for defaulted dates.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// -- Reads --

func (s *Service) List(ctx context.Context, kind Kind) ([]Order, error) {
	return s.repo.List(ctx, kind)
}

func (s *Service) Get(ctx context.Context, kind Kind, id uuid.UUID) (Order, error) {
	return s.repo.Get(ctx, kind, id)
}

// Unified loads both kinds and returns the aggregated, newest-first list.
func (s *Service) Unified(ctx context.Context) ([]UnifiedOrder, error) {
	meds, err := ListMedication(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	labs, err := ListLabTests(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	return Aggregate(meds, labs), nil
}

// -- Transitions --

// ApplyTransition moves the stored order id of kind to req.Status along with
// the accompanying fields.
func (s *Service) ApplyTransition(ctx context.Context, kind Kind, id uuid.UUID, req TransitionRequest) (Order, error) {
	if err := ValidateRequest(kind, req); err != nil {
		return nil, err
	}
	current, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, current, req)
}

// Transition applies req to an order the caller already holds. The write is
// rejected with a *ConflictError if the stored copy changed since current was
// read, or since req.ExpectedUpdatedAt when that is set.
func (s *Service) Transition(ctx context.Context, current Order, req TransitionRequest) (Order, error) {
	patch, err := PlanTransition(current, req, s.now())
	if err != nil {
		return nil, err
	}
	if m, ok := current.(*MedicationOrder); ok && req.Status == StatusShipped &&
		patch.TrackingNumber == nil && strVal(m.TrackingNumber) == "" {
		s.logger.Warn().
			Str("order_number", m.OrderNumber).
			Msg("order marked shipped without a tracking number")
	}
	return s.write(ctx, current, patch)
}

// UpdatePaymentStatus records a payment outcome. Payment is tracked
// independently of fulfillment, so every status accepts it.
func (s *Service) UpdatePaymentStatus(ctx context.Context, kind Kind, id uuid.UUID, ps PaymentStatus) (Order, error) {
	if !ps.Valid() {
		return nil, &ValidationError{Field: "payment_status", Reason: fmt.Sprintf("%q is not a valid payment status", ps)}
	}
	current, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, current, Patch{PaymentStatus: &ps})
}

// RescheduleCollection moves the sample collection appointment of a lab-test
// order. At least one of date and at must be set.
func (s *Service) RescheduleCollection(ctx context.Context, id uuid.UUID, date *Date, at *string) (Order, error) {
	if date == nil && at == nil {
		return nil, &ValidationError{Field: "collection_date", Reason: "collection_date or collection_time is required"}
	}
	current, err := s.repo.Get(ctx, KindLabTest, id)
	if err != nil {
		return nil, err
	}
	patch, err := PlanCollectionChange(current, date, at)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, current, patch)
}

// write persists p against the version of current it was planned from. A
// caller-supplied ExpectedUpdatedAt wins; otherwise current's updated_at is
// used, so any write that landed since current was read becomes a conflict.
func (s *Service) write(ctx context.Context, current Order, p Patch) (Order, error) {
	kind, id := current.Kind(), current.Common().ID
	if p.ExpectedUpdatedAt == nil {
		seen := current.Common().UpdatedAt
		p.ExpectedUpdatedAt = &seen
	}

	updated, err := s.repo.UpdateFields(ctx, kind, id, p)
	if err != nil {
		return nil, s.writeFailed(ctx, kind, id, err)
	}

	s.afterWrite(ctx, current.Common().Status, updated)
	return updated, nil
}

// writeFailed applies the error policy: a conflict discards the local change
// and carries the refetched order back to the caller. Nothing is refreshed or
// published.
func (s *Service) writeFailed(ctx context.Context, kind Kind, id uuid.UUID, err error) error {
	var ce *ConflictError
	if errors.As(err, &ce) {
		if ce.Current == nil {
			if fresh, getErr := s.repo.Get(ctx, kind, id); getErr == nil {
				ce.Current = fresh
			}
		}
		s.logger.Info().Str("order_id", id.String()).Msg("concurrent modification, change discarded")
		return ce
	}

	var te *TransportError
	if errors.As(err, &te) {
		s.logger.Warn().Err(err).Str("order_id", id.String()).Msg("order store unreachable")
	}
	return err
}

func (s *Service) afterWrite(ctx context.Context, from Status, o Order) {
	if s.refresher != nil {
		if err := s.refresher.Refresh(ctx); err != nil {
			s.logger.Error().Err(err).Msg("stats refresh failed")
		}
	}

	b := o.Common()
	ev := StatusChange{
		OrderID:       b.ID,
		OrderNumber:   b.OrderNumber,
		Kind:          o.Kind(),
		From:          from,
		To:            b.Status,
		PaymentStatus: b.PaymentStatus,
		Message:       strVal(b.StatusMessage),
		At:            b.UpdatedAt,
	}
	for _, p := range s.publishers {
		if err := p.PublishStatusChange(ctx, ev); err != nil {
			s.logger.Error().Err(err).
				Str("order_number", b.OrderNumber).
				Str("status", string(b.Status)).
				Msg("publish status change failed")
		}
	}
}

// -- Placement --

// PlaceMedicationOrder validates and stores a new pharmacy order in
// pending/pending with its total computed from the items.
func (s *Service) PlaceMedicationOrder(ctx context.Context, o *MedicationOrder) (*MedicationOrder, error) {
	o.CustomerName = strings.TrimSpace(o.CustomerName)
	o.DeliveryAddress = strings.TrimSpace(o.DeliveryAddress)
	o.DeliveryPhone = strings.TrimSpace(o.DeliveryPhone)
	if o.DeliveryAddress == "" {
		return nil, &ValidationError{Field: "delivery_address", Reason: "is required"}
	}
	if o.DeliveryPhone == "" {
		return nil, &ValidationError{Field: "delivery_phone", Reason: "is required"}
	}
	if o.TrackingNumber != nil || o.EstimatedDeliveryDate != nil || o.ActualDeliveryDate != nil {
		return nil, &ValidationError{Field: "tracking_number", Reason: "fulfillment fields cannot be set on a new order"}
	}
	if err := s.prepareNew(o); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.afterWrite(ctx, "", o)
	return o, nil
}

// BookLabTest validates and stores a new lab-test booking in pending/pending.
func (s *Service) BookLabTest(ctx context.Context, o *LabTestOrder) (*LabTestOrder, error) {
	o.PatientName = strings.TrimSpace(o.PatientName)
	o.CollectionPhone = strings.TrimSpace(o.CollectionPhone)
	if o.PatientName == "" {
		return nil, &ValidationError{Field: "patient_name", Reason: "is required"}
	}
	if o.CollectionPhone == "" {
		return nil, &ValidationError{Field: "collection_phone", Reason: "is required"}
	}
	if o.CollectionTime != nil {
		ct := strings.TrimSpace(*o.CollectionTime)
		if ct == "" {
			return nil, &ValidationError{Field: "collection_time", Reason: "must not be empty"}
		}
		o.CollectionTime = &ct
	}
	if err := s.prepareNew(o); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.afterWrite(ctx, "", o)
	return o, nil
}

func (s *Service) prepareNew(o Order) error {
	items := o.Items()
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	total := decimal.Zero
	for i, it := range items {
		if strings.TrimSpace(it.ProductReference) == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_reference", i), Reason: "is required"}
		}
		if it.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be greater than zero"}
		}
		if it.UnitPrice.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must not be negative"}
		}
		total = total.Add(it.Subtotal())
		items[i].ID = uuid.Nil
		items[i].OrderID = uuid.Nil
	}

	b := o.Common()
	b.ID = uuid.Nil
	b.OrderNumber = ""
	b.Status = StatusPending
	b.PaymentStatus = PaymentPending
	b.TotalAmount = total
	b.StatusMessage = nil
	b.CreatedAt = time.Time{}
	return nil
}
