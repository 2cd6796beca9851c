package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrEmptyCart              = errors.New("cart is empty")
	ErrCartNotActive          = errors.New("cart is not active")
	ErrUnauthorizedCartAccess = errors.New("cart belongs to another user")
	ErrReservationExpired     = errors.New("reservation has expired")
)

// ErrInsufficientStock is returned when a reserve or adjust would drive
// available below zero. Retryable by the shopper with a smaller quantity.
type ErrInsufficientStock struct {
	SKUID     string
	Requested int64
	Available int64
}

func (e ErrInsufficientStock) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %d, available %d",
		e.SKUID, e.Requested, e.Available)
}

// ErrInvalidStateTransition is a fatal guard violation on the order state
// machine, never a silent no-op.
type ErrInvalidStateTransition struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e ErrInvalidStateTransition) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

// IsInsufficientStock reports whether err is a stock shortage, so callers can
// distinguish "out of stock" from validation or authorization failures.
func IsInsufficientStock(err error) bool {
	var e ErrInsufficientStock
	return errors.As(err, &e)
}

func IsInvalidTransition(err error) bool {
	var e ErrInvalidStateTransition
	return errors.As(err, &e)
}
