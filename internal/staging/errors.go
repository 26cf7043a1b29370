package staging

import "errors"

var (
	// ErrNotFound is returned when a referenced entity does not exist in
	// the store.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an entity with the same identity
	// is already registered.
	ErrAlreadyExists = errors.New("already exists")
)
