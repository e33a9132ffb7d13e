package app

import "errors"

var (
	// ErrNotFound indicates the requested chapter, book or document does not exist in storage.
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrChapterTooLarge     = errors.New("chapter too large")
	ErrObjectStorageAbsent = errors.New("object storage not configured")
	ErrDatabaseRequired    = errors.New("database URL required (no in-memory store allowed)")
)
