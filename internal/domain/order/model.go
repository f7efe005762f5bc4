package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tags the two order variants sold on the marketplace.
type Kind string

const (
	KindMedication Kind = "medication"
	KindLabTest    Kind = "lab_test"
)

// Kinds lists every order kind in display order.
var Kinds = []Kind{KindMedication, KindLabTest}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMedication, KindLabTest:
		return Kind(s), nil
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", s)}
}

// Status is the fulfillment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCompleted || s == StatusCancelled
}

// IsSuccessful groups delivered and completed for display aggregation only.
// The two stay distinct in every other respect.
func (s Status) IsSuccessful() bool {
	return s == StatusDelivered || s == StatusCompleted
}

// PaymentStatus tracks payment independently of fulfillment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

var validPaymentStatuses = map[PaymentStatus]bool{
	PaymentPending: true, PaymentProcessing: true, PaymentPaid: true,
	PaymentFailed: true, PaymentRefunded: true,
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool { return validPaymentStatuses[p] }

// Item is a single line of an order.
type Item struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	OrderID          uuid.UUID       `db:"order_id" json:"order_id"`
	ProductReference string          `db:"product_reference" json:"product_reference"`
	ProductName      string          `db:"product_name" json:"product_name,omitempty"`
	Quantity         int             `db:"quantity" json:"quantity"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Base holds the fields shared by both order variants.
type Base struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	OrderNumber   string          `db:"order_number" json:"order_number"`
	UserID        *uuid.UUID      `db:"user_id" json:"user_id,omitempty"`
	Status        Status          `db:"status" json:"status"`
	PaymentStatus PaymentStatus   `db:"payment_status" json:"payment_status"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	StatusMessage *string         `db:"status_message" json:"status_message,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Order is implemented by *MedicationOrder and *LabTestOrder only.
type Order interface {
	Kind() Kind
	Common() *Base
	Items() []Item
	clone() Order
}

// MedicationOrder is a pharmacy purchase delivered to the customer.
type MedicationOrder struct {
	Base
	CustomerName          string  `db:"customer_name" json:"customer_name,omitempty"`
	DeliveryAddress       string  `db:"delivery_address" json:"delivery_address"`
	DeliveryPhone         string  `db:"delivery_phone" json:"delivery_phone"`
	TrackingNumber        *string `db:"tracking_number" json:"tracking_number,omitempty"`
	EstimatedDeliveryDate *Date   `db:"estimated_delivery_date" json:"estimated_delivery_date,omitempty"`
	ActualDeliveryDate    *Date   `db:"actual_delivery_date" json:"actual_delivery_date,omitempty"`
	LineItems             []Item  `json:"medication_order_items"`
}

func (o *MedicationOrder) Kind() Kind    { return KindMedication }
func (o *MedicationOrder) Common() *Base { return &o.Base }
func (o *MedicationOrder) Items() []Item { return o.LineItems }

func (o *MedicationOrder) clone() Order {
	cp := *o
	cp.LineItems = append([]Item(nil), o.LineItems...)
	cp.StatusMessage = clonePtr(o.StatusMessage)
	cp.UserID = clonePtr(o.UserID)
	cp.TrackingNumber = clonePtr(o.TrackingNumber)
	cp.EstimatedDeliveryDate = clonePtr(o.EstimatedDeliveryDate)
	cp.ActualDeliveryDate = clonePtr(o.ActualDeliveryDate)
	return &cp
}

// LabTestOrder is a lab-test booking with a sample collection appointment.
type LabTestOrder struct {
	Base
	PatientName       string  `db:"patient_name" json:"patient_name"`
	CollectionPhone   string  `db:"collection_phone" json:"collection_phone"`
	CollectionAddress *string `db:"collection_address" json:"collection_address,omitempty"`
	CollectionDate    *Date   `db:"collection_date" json:"collection_date,omitempty"`
	CollectionTime    *string `db:"collection_time" json:"collection_time,omitempty"`
	LineItems         []Item  `json:"lab_test_order_items"`
}

func (o *LabTestOrder) Kind() Kind    { return KindLabTest }
func (o *LabTestOrder) Common() *Base { return &o.Base }
func (o *LabTestOrder) Items() []Item { return o.LineItems }

func (o *LabTestOrder) clone() Order {
	cp := *o
	cp.LineItems = append([]Item(nil), o.LineItems...)
	cp.StatusMessage = clonePtr(o.StatusMessage)
	cp.UserID = clonePtr(o.UserID)
	cp.CollectionAddress = clonePtr(o.CollectionAddress)
	cp.CollectionDate = clonePtr(o.CollectionDate)
	cp.CollectionTime = clonePtr(o.CollectionTime)
	return &cp
}

// Clone returns a deep copy so callers never share mutable order state.
func Clone(o Order) Order {
	if o == nil {
		return nil
	}
	return o.clone()
}

// Patch is a partial update persisted as one logical write. Nil fields are
// left untouched.
type Patch struct {
	Status                *Status
	PaymentStatus         *PaymentStatus
	StatusMessage         *string
	TrackingNumber        *string
	EstimatedDeliveryDate *Date
	ActualDeliveryDate    *Date
	CollectionDate        *Date
	CollectionTime        *string

	// ExpectedUpdatedAt, when set, makes the write conditional on the stored
	// updated_at still matching.
	ExpectedUpdatedAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.PaymentStatus == nil && p.StatusMessage == nil &&
		p.TrackingNumber == nil && p.EstimatedDeliveryDate == nil && p.ActualDeliveryDate == nil &&
		p.CollectionDate == nil && p.CollectionTime == nil
}

// Apply writes the patch onto o and stamps updated_at.
func (p Patch) Apply(o Order, now time.Time) {
	b := o.Common()
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		b.PaymentStatus = *p.PaymentStatus
	}
	if p.StatusMessage != nil {
		b.StatusMessage = clonePtr(p.StatusMessage)
	}
	switch v := o.(type) {
	case *MedicationOrder:
		if p.TrackingNumber != nil {
			v.TrackingNumber = clonePtr(p.TrackingNumber)
		}
		if p.EstimatedDeliveryDate != nil {
			v.EstimatedDeliveryDate = clonePtr(p.EstimatedDeliveryDate)
		}
		if p.ActualDeliveryDate != nil {
			v.ActualDeliveryDate = clonePtr(p.ActualDeliveryDate)
		}
	case *LabTestOrder:
		if p.CollectionDate != nil {
			v.CollectionDate = clonePtr(p.CollectionDate)
		}
		if p.CollectionTime != nil {
			v.CollectionTime = clonePtr(p.CollectionTime)
		}
	}
	b.UpdatedAt = now
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
