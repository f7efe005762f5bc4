package order

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newMedOrder(status Status) *MedicationOrder {
	return &MedicationOrder{
		Base: Base{
			ID:            uuid.New(),
			OrderNumber:   "MED-20261016-0001",
			Status:        status,
			PaymentStatus: PaymentPending,
			TotalAmount:   decimal.RequireFromString("91.00"),
			CreatedAt:     baseTime,
			UpdatedAt:     baseTime,
		},
		CustomerName:    "Asha Rao",
		DeliveryAddress: "12 Lake Road",
		DeliveryPhone:   "08012345678",
		LineItems: []Item{
			{ProductReference: "SKU-PARA-500", Quantity: 2, UnitPrice: decimal.RequireFromString("45.50")},
		},
	}
}

func newLabOrder(status Status) *LabTestOrder {
	return &LabTestOrder{
		Base: Base{
			ID:            uuid.New(),
			OrderNumber:   "LAB-20261016-0001",
			Status:        status,
			PaymentStatus: PaymentPending,
			TotalAmount:   decimal.RequireFromString("1200.00"),
			CreatedAt:     baseTime,
			UpdatedAt:     baseTime,
		},
		PatientName:     "Ravi Kumar",
		CollectionPhone: "07098765432",
		LineItems: []Item{
			{ProductReference: "LAB-CBC", Quantity: 1, UnitPrice: decimal.RequireFromString("1200.00")},
		},
	}
}

// seed stores o in repo as-is and returns the stored copy.
func seed(t *testing.T, repo Repository, o Order) Order {
	t.Helper()
	if err := repo.Create(context.Background(), o); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := repo.Get(context.Background(), o.Kind(), o.Common().ID)
	if err != nil {
		t.Fatalf("seed get: %v", err)
	}
	return got
}
