package order

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the referenced order does not exist.
var ErrNotFound = errors.New("order not found")

// ValidationError rejects a request before the repository is called.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InvalidTransitionError rejects a status change the state graph forbids.
type InvalidTransitionError struct {
	Kind Kind   `json:"type"`
	From Status `json:"from"`
	To   Status `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("invalid transition: %s order is %s and cannot move to %s", e.Kind, e.From, e.To)
	}
	return fmt.Sprintf("invalid transition from %s to %s for %s order", e.From, e.To, e.Kind)
}

// ConflictError reports that the order changed underneath the caller. Current
// holds the refetched order when it could be loaded.
type ConflictError struct {
	OrderID uuid.UUID
	Current Order
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s was modified concurrently, please retry", e.OrderID)
}

// TransportError wraps a failure to reach the backing store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: store unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may offer a manual retry.
func IsRetryable(err error) bool {
	var ce *ConflictError
	var te *TransportError
	return errors.As(err, &ce) || errors.As(err, &te)
}
