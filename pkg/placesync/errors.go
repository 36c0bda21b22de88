package placesync

import "errors"

var (
	// ErrClosed is returned by every Client method after Close.
	ErrClosed = errors.New("placesync: client is closed")

	// ErrNotFound is returned when a local place does not exist.
	ErrNotFound = errors.New("placesync: place not found")

	// ErrNotInConflict is returned when resolving a place that has no conflict.
	ErrNotInConflict = errors.New("placesync: place is not in conflict")
)
