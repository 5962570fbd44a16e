package storage

import "errors"

var (
	// ErrFullTable indicates all table slots are in use (original E_FULL_TABLE).
	ErrFullTable = errors.New("storage: table slots exhausted")

	// ErrTableNotOpen indicates an operation referenced an unopened table id.
	ErrTableNotOpen = errors.New("storage: table not open")

	// ErrBadOffset indicates a page offset violates the block-alignment
	// invariant (§3 invariant 1/3 of the design doc).
	ErrBadOffset = errors.New("storage: page offset not block-aligned")
)
