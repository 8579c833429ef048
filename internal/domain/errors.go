package domain

import "errors"

var (
	// ErrSubscriberNotFound is returned when a subscriber id does not resolve.
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrDeliveryNotFound is returned when a delivery log id does not resolve.
	ErrDeliveryNotFound = errors.New("delivery log not found")
	// ErrDeliveryFinalized is returned when a transition is attempted on a
	// log that is already success or failed.
	ErrDeliveryFinalized = errors.New("delivery log is finalized")
	ErrValidation        = errors.New("validation error")
)
