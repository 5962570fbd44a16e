// Package wal implements write-ahead logging and crash recovery for the
// storage engine: a single append-only log file of fixed-width records
// (§4.6), with redo and undo recovery passes (§4.7).
package wal

import "errors"

var (
	// ErrCorrupted indicates a corrupted log record (CRC mismatch).
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrLogClosed indicates an operation on a closed log.
	ErrLogClosed = errors.New("wal: log closed")

	// ErrTruncated indicates a short or partially-written record.
	ErrTruncated = errors.New("wal: truncated record")
)
