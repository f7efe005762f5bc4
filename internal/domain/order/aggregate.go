package order

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllFilter disables a filter dimension.
const AllFilter = "all"

// UnifiedOrder is the type-tagged projection used to list medication and lab
// orders side by side.
type UnifiedOrder struct {
	ID                    uuid.UUID       `json:"id"`
	OrderNumber           string          `json:"order_number"`
	Type                  Kind            `json:"type"`
	Status                Status          `json:"status"`
	PaymentStatus         PaymentStatus   `json:"payment_status"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	CustomerInfo          string          `json:"customer_info"`
	CustomerPhone         string          `json:"customer_phone"`
	ItemsCount            int             `json:"items_count"`
	TrackingNumber        string          `json:"tracking_number,omitempty"`
	EstimatedDeliveryDate *Date           `json:"estimated_delivery_date,omitempty"`
	ActualDeliveryDate    *Date           `json:"actual_delivery_date,omitempty"`
	CollectionDate        *Date           `json:"collection_date,omitempty"`
	CollectionTime        string          `json:"collection_time,omitempty"`
	StatusMessage         string          `json:"status_message,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Normalize maps either order variant onto the unified shape. A nil or
// foreign Order is a programming error.
func Normalize(o Order) UnifiedOrder {
	var u UnifiedOrder
	switch v := o.(type) {
	case *MedicationOrder:
		u = fromBase(&v.Base, KindMedication)
		u.CustomerInfo = v.CustomerName
		if u.CustomerInfo == "" {
			u.CustomerInfo = v.DeliveryAddress
		}
		u.CustomerPhone = v.DeliveryPhone
		u.ItemsCount = len(v.LineItems)
		u.TrackingNumber = strVal(v.TrackingNumber)
		u.EstimatedDeliveryDate = clonePtr(v.EstimatedDeliveryDate)
		u.ActualDeliveryDate = clonePtr(v.ActualDeliveryDate)
	case *LabTestOrder:
		u = fromBase(&v.Base, KindLabTest)
		u.CustomerInfo = v.PatientName
		u.CustomerPhone = v.CollectionPhone
		u.ItemsCount = len(v.LineItems)
		u.CollectionDate = clonePtr(v.CollectionDate)
		u.CollectionTime = strVal(v.CollectionTime)
	default:
		panic(fmt.Sprintf("order: cannot normalize %T", o))
	}
	return u
}

func fromBase(b *Base, kind Kind) UnifiedOrder {
	return UnifiedOrder{
		ID:            b.ID,
		OrderNumber:   b.OrderNumber,
		Type:          kind,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		TotalAmount:   b.TotalAmount,
		StatusMessage: strVal(b.StatusMessage),
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

// Aggregate normalizes both order lists into one slice sorted newest first,
// with ties broken by order number.
func Aggregate(meds []*MedicationOrder, labs []*LabTestOrder) []UnifiedOrder {
	out := make([]UnifiedOrder, 0, len(meds)+len(labs))
	for _, m := range meds {
		out = append(out, Normalize(m))
	}
	for _, l := range labs {
		out = append(out, Normalize(l))
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders by created_at descending, then order_number ascending.
func SortNewestFirst(orders []UnifiedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.OrderNumber < b.OrderNumber
	})
}

// FilterOptions narrows a unified list. Empty or "all" disables a dimension.
type FilterOptions struct {
	SearchTerm string
	Status     string
	Type       string
}

// Filter keeps orders matching every active dimension. The search term
// matches order number, customer info and phone case-insensitively.
func Filter(orders []UnifiedOrder, opts FilterOptions) []UnifiedOrder {
	term := strings.ToLower(strings.TrimSpace(opts.SearchTerm))
	out := make([]UnifiedOrder, 0, len(orders))
	for _, o := range orders {
		if active(opts.Status) && string(o.Status) != opts.Status {
			continue
		}
		if active(opts.Type) && string(o.Type) != opts.Type {
			continue
		}
		if term != "" && !matchesSearch(o, term) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func active(dim string) bool {
	return dim != "" && dim != AllFilter
}

func matchesSearch(o UnifiedOrder, term string) bool {
	return strings.Contains(strings.ToLower(o.OrderNumber), term) ||
		strings.Contains(strings.ToLower(o.CustomerInfo), term) ||
		strings.Contains(strings.ToLower(o.CustomerPhone), term)
}

// CountByStatus tallies orders per raw status string.
func CountByStatus(orders []UnifiedOrder) map[Status]int {
	counts := make(map[Status]int)
	for _, o := range orders {
		counts[o.Status]++
	}
	return counts
}

// CountByKind tallies orders per type.
func CountByKind(orders []UnifiedOrder) map[Kind]int {
	counts := make(map[Kind]int, len(Kinds))
	for _, o := range orders {
		counts[o.Type]++
	}
	return counts
}
