package order

import (
	"fmt"
	"strings"
	"time"
)

var validStatuses = map[Kind]map[Status]bool{
	KindMedication: {
		StatusPending: true, StatusConfirmed: true, StatusProcessing: true,
		StatusShipped: true, StatusDelivered: true, StatusCancelled: true,
	},
	KindLabTest: {
		StatusPending: true, StatusConfirmed: true, StatusProcessing: true,
		StatusCompleted: true, StatusCancelled: true,
	},
}

// allowedStatusTransitions lists, per kind, the targets reachable from each
// status. Forward moves may skip steps; cancelled is reachable from every
// non-terminal status; terminal statuses have no exits.
var allowedStatusTransitions = map[Kind]map[Status]map[Status]bool{
	KindMedication: {
		StatusPending: {
			StatusConfirmed: true, StatusProcessing: true, StatusShipped: true,
			StatusDelivered: true, StatusCancelled: true,
		},
		StatusConfirmed: {
			StatusProcessing: true, StatusShipped: true, StatusDelivered: true, StatusCancelled: true,
		},
		StatusProcessing: {StatusShipped: true, StatusDelivered: true, StatusCancelled: true},
		StatusShipped:    {StatusDelivered: true, StatusCancelled: true},
		StatusDelivered:  {},
		StatusCancelled:  {},
	},
	KindLabTest: {
		StatusPending: {
			StatusConfirmed: true, StatusProcessing: true, StatusCompleted: true, StatusCancelled: true,
		},
		StatusConfirmed:  {StatusProcessing: true, StatusCompleted: true, StatusCancelled: true},
		StatusProcessing: {StatusCompleted: true, StatusCancelled: true},
		StatusCompleted:  {},
		StatusCancelled:  {},
	},
}

// Statuses returns the status vocabulary of kind in lifecycle order.
func Statuses(kind Kind) []Status {
	switch kind {
	case KindMedication:
		return []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled}
	case KindLabTest:
		return []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusCompleted, StatusCancelled}
	}
	return nil
}

// ValidStatus reports whether s belongs to kind's vocabulary.
func ValidStatus(kind Kind, s Status) bool {
	return validStatuses[kind][s]
}

// CanTransition reports whether an order of kind may move from one status to
// another. Staying in place is allowed for non-terminal statuses so fields can
// be edited without a status change.
func CanTransition(kind Kind, from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return ValidStatus(kind, from)
	}
	return allowedStatusTransitions[kind][from][to]
}

// TransitionRequest is a requested status change plus accompanying fields.
type TransitionRequest struct {
	Status                Status         `json:"status"`
	TrackingNumber        *string        `json:"tracking_number,omitempty"`
	EstimatedDeliveryDate *Date          `json:"estimated_delivery_date,omitempty"`
	ActualDeliveryDate    *Date          `json:"actual_delivery_date,omitempty"`
	CollectionDate        *Date          `json:"collection_date,omitempty"`
	CollectionTime        *string        `json:"collection_time,omitempty"`
	PaymentStatus         *PaymentStatus `json:"payment_status,omitempty"`
	Message               *string        `json:"message,omitempty"`
	ExpectedUpdatedAt     *time.Time     `json:"expected_updated_at,omitempty"`
}

// ValidateRequest runs the checks that do not depend on the order's current
// state, so a malformed request is rejected without touching storage.
func ValidateRequest(kind Kind, req TransitionRequest) error {
	if err := checkEnums(kind, req); err != nil {
		return err
	}
	if err := checkFieldsForKind(kind, req); err != nil {
		return err
	}
	return checkFieldGating(req)
}

// PlanTransition checks req against the current state of o and returns the
// patch that carries it out. It never touches storage.
func PlanTransition(o Order, req TransitionRequest, now time.Time) (Patch, error) {
	kind := o.Kind()
	from := o.Common().Status

	if err := checkEnums(kind, req); err != nil {
		return Patch{}, err
	}
	if !CanTransition(kind, from, req.Status) {
		return Patch{}, &InvalidTransitionError{Kind: kind, From: from, To: req.Status}
	}
	if err := checkFieldsForKind(kind, req); err != nil {
		return Patch{}, err
	}
	if err := checkFieldGating(req); err != nil {
		return Patch{}, err
	}

	to := req.Status
	p := Patch{
		Status:            &to,
		PaymentStatus:     req.PaymentStatus,
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
	}
	if req.Message != nil {
		msg := strings.TrimSpace(*req.Message)
		p.StatusMessage = &msg
	}

	switch kind {
	case KindMedication:
		if req.TrackingNumber != nil {
			tn := strings.TrimSpace(*req.TrackingNumber)
			p.TrackingNumber = &tn
		}
		p.EstimatedDeliveryDate = req.EstimatedDeliveryDate
		p.ActualDeliveryDate = req.ActualDeliveryDate
		if to == StatusDelivered && p.ActualDeliveryDate == nil {
			today := DateOf(now.UTC())
			p.ActualDeliveryDate = &today
		}
	case KindLabTest:
		p.CollectionDate = req.CollectionDate
		if req.CollectionTime != nil {
			ct := strings.TrimSpace(*req.CollectionTime)
			p.CollectionTime = &ct
		}
	}
	return p, nil
}

// PlanCollectionChange returns the patch that reschedules a lab sample
// collection. Only lab-test orders in a non-terminal status qualify.
func PlanCollectionChange(o Order, date *Date, at *string) (Patch, error) {
	if o.Kind() != KindLabTest {
		return Patch{}, &ValidationError{Field: "collection_date", Reason: "only lab test orders have a collection appointment"}
	}
	if status := o.Common().Status; status.IsTerminal() {
		return Patch{}, &InvalidTransitionError{Kind: KindLabTest, From: status, To: status}
	}
	if date == nil && at == nil {
		return Patch{}, &ValidationError{Field: "collection_date", Reason: "collection_date or collection_time is required"}
	}
	p := Patch{CollectionDate: date}
	if at != nil {
		ct := strings.TrimSpace(*at)
		if ct == "" {
			return Patch{}, &ValidationError{Field: "collection_time", Reason: "must not be empty"}
		}
		p.CollectionTime = &ct
	}
	return p, nil
}

func checkEnums(kind Kind, req TransitionRequest) error {
	if !ValidStatus(kind, req.Status) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("%q is not a valid %s order status", req.Status, kind),
		}
	}
	if req.PaymentStatus != nil && !req.PaymentStatus.Valid() {
		return &ValidationError{
			Field:  "payment_status",
			Reason: fmt.Sprintf("%q is not a valid payment status", *req.PaymentStatus),
		}
	}
	return nil
}

func checkFieldsForKind(kind Kind, req TransitionRequest) error {
	switch kind {
	case KindMedication:
		if req.CollectionDate != nil {
			return &ValidationError{Field: "collection_date", Reason: "not applicable to medication orders"}
		}
		if req.CollectionTime != nil {
			return &ValidationError{Field: "collection_time", Reason: "not applicable to medication orders"}
		}
	case KindLabTest:
		if req.TrackingNumber != nil {
			return &ValidationError{Field: "tracking_number", Reason: "not applicable to lab test orders"}
		}
		if req.EstimatedDeliveryDate != nil {
			return &ValidationError{Field: "estimated_delivery_date", Reason: "not applicable to lab test orders"}
		}
		if req.ActualDeliveryDate != nil {
			return &ValidationError{Field: "actual_delivery_date", Reason: "not applicable to lab test orders"}
		}
	}
	return nil
}

// checkFieldGating enforces which fulfillment fields each target status admits.
func checkFieldGating(req TransitionRequest) error {
	shippedOrLater := req.Status == StatusShipped || req.Status == StatusDelivered
	if req.TrackingNumber != nil {
		if !shippedOrLater {
			return &ValidationError{
				Field:  "tracking_number",
				Reason: fmt.Sprintf("may only be set when status is shipped or delivered, not %s", req.Status),
			}
		}
		if strings.TrimSpace(*req.TrackingNumber) == "" {
			return &ValidationError{Field: "tracking_number", Reason: "must not be empty"}
		}
	}
	if req.EstimatedDeliveryDate != nil && !shippedOrLater {
		return &ValidationError{
			Field:  "estimated_delivery_date",
			Reason: fmt.Sprintf("may only be set when status is shipped or delivered, not %s", req.Status),
		}
	}
	if req.ActualDeliveryDate != nil && req.Status != StatusDelivered {
		return &ValidationError{
			Field:  "actual_delivery_date",
			Reason: fmt.Sprintf("may only be set when status is delivered, not %s", req.Status),
		}
	}
	return nil
}
