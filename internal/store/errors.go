package store

import "errors"

var (
	ErrNotFound          = errors.New("place not found")
	ErrDuplicateClientID = errors.New("live place with this client id already exists")
	ErrVersionConflict   = errors.New("place was modified concurrently")
)
