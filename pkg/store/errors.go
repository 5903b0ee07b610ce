package store

import "errors"

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveExecutionExists is returned when a second pending or
	// in-progress execution is started for the same entity and task type.
	ErrActiveExecutionExists = errors.New("active execution already exists for entity and task type")

	// ErrImmutableField is returned when a creator field on a story would be
	// overwritten without the admin override flag.
	ErrImmutableField = errors.New("creator field is immutable once set")
)
