package dberrors

import "errors"

var (
	ErrRecordNotFound    = errors.New("walstore: record not found")
	ErrClosed            = errors.New("walstore: closed")
	ErrInvalidArgument   = errors.New("walstore: invalid argument")
	ErrCompactionRunning = errors.New("walstore: compaction running")

	// ErrPointerMismatch is returned when a log pointer resolves to an entry
	// written for a different recid (stale or reused pointer).
	ErrPointerMismatch = errors.New("walstore: log pointer does not match recid")
	ErrRecidInUse      = errors.New("walstore: recid is still live")
	ErrCorruptHeader   = errors.New("walstore: corrupt header")

	// ErrPoisoned marks a store instance that hit a durability failure. It
	// must be closed and reopened to recover from the log.
	ErrPoisoned = errors.New("walstore: store poisoned by durability failure")
)
