package types

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrAppendOnly    = errors.New("log is append-only")
)

// ValidationError reports malformed input to a constructor or append.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IllegalTransitionError reports an edge that is not in the lifecycle graph.
type IllegalTransitionError struct {
	OrderID string
	From    OrderState
	Event   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for order %s: %s from %s", e.OrderID, e.Event, e.From)
}

// DuplicateOrderError reports a second use of an internal order id.
type DuplicateOrderError struct {
	OrderID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("duplicate order: %s already submitted", e.OrderID)
}

// BrokerError wraps a failure raised by the broker collaborator.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

func IsDuplicate(err error) bool {
	var target *DuplicateOrderError
	return errors.As(err, &target)
}

func IsBroker(err error) bool {
	var target *BrokerError
	return errors.As(err, &target)
}
