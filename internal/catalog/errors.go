package catalog

import "errors"

var (
	// ErrNotFound is returned when no title matches the lookup.
	ErrNotFound = errors.New("title not found")

	// ErrDuplicate is returned when inserting a title whose (kind, name)
	// already exists.
	ErrDuplicate = errors.New("title already exists")

	// ErrInvalidKind is returned for an unknown media kind.
	ErrInvalidKind = errors.New("invalid media kind")
)
