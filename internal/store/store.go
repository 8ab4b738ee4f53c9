package store

import (
	"errors"
)

// ErrNotExist is returned when there is no cached code for a name
// at a time-step.
var ErrNotExist = errors.New("the code does not exist")

// Store represents the code cache: TOTP codes computed by the device,
// bucketed by time-step and keyed by credential name.
type Store interface {
	// Get returns the code cached for a name at a time-step.
	Get(step uint64, name string) (string, error)

	// Set replaces the bucket of a time-step with the given codes.
	Set(step uint64, codes map[string]string) error

	// Clear drops every bucket. It is called whenever the device's
	// credential list changes.
	Clear() error

	// Ping checks if store is reachable
	Ping() error
}
