package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreFault wraps every persistence failure reported to callers.
	ErrStoreFault = errors.New("storage failure")
	// ErrUnauthorized is returned when a token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSubscriptionClosed is returned when pushing to a closed subscription.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// StoreFault wraps err so it matches ErrStoreFault while keeping the cause.
func StoreFault(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFault, err)
}
