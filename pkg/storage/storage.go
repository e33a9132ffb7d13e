// Package storage provides the blob storage contract shared by the local
// filesystem and S3-compatible object storage backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound matches every *MissingBlobError via errors.Is.
	ErrNotFound = errors.New("storage: object not found")

	// ErrWriteConflict means a write-once key already holds different content.
	ErrWriteConflict = errors.New("storage: object exists with different content")

	// ErrInvalidKey indicates an empty key or a path traversal attempt.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// MissingBlobError reports that a referenced object does not exist. Callers
// use it to prune stale metadata instead of failing the request.
type MissingBlobError struct {
	Key string
}

func (e *MissingBlobError) Error() string {
	return fmt.Sprintf("storage: missing blob %q", e.Key)
}

func (e *MissingBlobError) Is(target error) bool {
	return target == ErrNotFound
}

// IsMissing reports whether err is (or wraps) a *MissingBlobError.
func IsMissing(err error) bool {
	var missing *MissingBlobError
	return errors.As(err, &missing)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is the uniform contract over a local directory and an
// S3-compatible bucket. Keys are slash-separated and relative to the
// backend root.
type Backend interface {
	// PutObject writes data if the key is absent. Writing identical content to
	// an existing key is a no-op that reports created=false; different content
	// fails with ErrWriteConflict.
	PutObject(ctx context.Context, key string, data []byte, contentType string) (created bool, err error)

	// GetObject returns the object bytes or a *MissingBlobError.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// GetObjectRange returns the inclusive byte range [start, end]. end is
	// clamped to the object size.
	GetObjectRange(ctx context.Context, key string, start, end int64) ([]byte, error)

	// DeleteObject removes the key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns every key under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	// StatObject returns object metadata or a *MissingBlobError.
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// PresignGet returns a time-limited direct URL. ok is false when the
	// backend cannot presign and callers must proxy the bytes themselves.
	PresignGet(ctx context.Context, key string) (url string, ok bool, err error)

	// Kind returns "local" or "s3".
	Kind() string
}

// MoveResult counts the outcome of a prefix move.
type MoveResult struct {
	Moved   int
	Skipped int
}

// Mover is implemented by backends that can move a whole subtree.
// Files whose destination already exists are left at the source and counted
// as skipped; nothing is overwritten.
type Mover interface {
	MovePrefix(ctx context.Context, from, to string) (MoveResult, error)
}

// PathResolver is implemented by backends whose objects live on the local
// filesystem.
type PathResolver interface {
	LocalPath(key string) (string, error)
}
