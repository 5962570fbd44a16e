package btree

import "errors"

var (
	// ErrDuplicate is returned by Insert when the key already exists.
	ErrDuplicate = errors.New("btree: duplicate key")

	// ErrNotFound is returned by Find/Delete when the key is absent.
	ErrNotFound = errors.New("btree: key not found")
)
