package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence collaborator for both order kinds.
//
// Get and the update methods return ErrNotFound for unknown ids, a
// *ConflictError when a guarded write lost a race, and a *TransportError when
// the store cannot be reached.
type Repository interface {
	Create(ctx context.Context, o Order) error
	List(ctx context.Context, kind Kind) ([]Order, error)
	Get(ctx context.Context, kind Kind, id uuid.UUID) (Order, error)
	UpdateStatus(ctx context.Context, kind Kind, id uuid.UUID, status Status, message *string) (Order, error)
	UpdateFields(ctx context.Context, kind Kind, id uuid.UUID, p Patch) (Order, error)

	// Subscribe streams changes made to orders of kind by anyone, including
	// other processes. The returned func stops delivery and closes the channel.
	Subscribe(ctx context.Context, kind Kind) (<-chan ChangeEvent, func(), error)
}

// ChangeOp names the kind of mutation a ChangeEvent reports.
type ChangeOp string

const (
	OpInserted ChangeOp = "inserted"
	OpUpdated  ChangeOp = "updated"
	OpDeleted  ChangeOp = "deleted"
)

// ChangeEvent signals that an order changed in the store. Receivers reload
// instead of merging.
type ChangeEvent struct {
	Op      ChangeOp  `json:"op"`
	Kind    Kind      `json:"kind"`
	OrderID uuid.UUID `json:"id"`
	At      time.Time `json:"at"`
}

// ChangeHandlers dispatches events to per-op callbacks. Nil callbacks are skipped.
type ChangeHandlers struct {
	OnInsert func(ChangeEvent)
	OnUpdate func(ChangeEvent)
	OnDelete func(ChangeEvent)
}

// Dispatch routes ev to the matching callback.
func (h ChangeHandlers) Dispatch(ev ChangeEvent) {
	var fn func(ChangeEvent)
	switch ev.Op {
	case OpInserted:
		fn = h.OnInsert
	case OpUpdated:
		fn = h.OnUpdate
	case OpDeleted:
		fn = h.OnDelete
	}
	if fn != nil {
		fn(ev)
	}
}

// ListMedication loads all medication orders with their items.
func ListMedication(ctx context.Context, r Repository) ([]*MedicationOrder, error) {
	orders, err := r.List(ctx, KindMedication)
	if err != nil {
		return nil, err
	}
	out := make([]*MedicationOrder, 0, len(orders))
	for _, o := range orders {
		if m, ok := o.(*MedicationOrder); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListLabTests loads all lab-test orders with their items.
func ListLabTests(ctx context.Context, r Repository) ([]*LabTestOrder, error) {
	orders, err := r.List(ctx, KindLabTest)
	if err != nil {
		return nil, err
	}
	out := make([]*LabTestOrder, 0, len(orders))
	for _, o := range orders {
		if l, ok := o.(*LabTestOrder); ok {
			out = append(out, l)
		}
	}
	return out, nil
}
