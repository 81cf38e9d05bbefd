package storage

import "errors"

var (
	// ErrNotFound is returned by Backend.Get when a key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCorruptRecord marks a stored record that could not be decoded.
	// Store never returns it from lookups; corrupt records are dropped and logged.
	ErrCorruptRecord = errors.New("corrupt cache record")

	// ErrInvalidArgument is returned for malformed keys and records.
	ErrInvalidArgument = errors.New("invalid argument")
)
