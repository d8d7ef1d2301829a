package store

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProtected is returned when a delete would orphan dependent rows,
	// e.g. removing a canonical page that still has variants.
	ErrProtected = errors.New("protected by dependent records")

	// ErrDuplicateVariant is returned when a (canonical page, segment) pair
	// already has a variant.
	ErrDuplicateVariant = errors.New("variant already exists for this segment")
)
