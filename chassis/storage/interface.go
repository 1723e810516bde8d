package storage

import (
	"context"
	"errors"
	"fmt"
)

// AnyLength disables the size check in Client.Exists.
const AnyLength int64 = -1

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ErrBucketMissing is returned by constructors when no bucket is configured.
var ErrBucketMissing = errors.New("storage: bucket not specified")

// IOError wraps a failed storage call with the operation and key involved.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Client is the object store consumed by the lock and the worker pipeline.
type Client interface {
	// Upload copies the file at localPath to key, replacing any existing object.
	Upload(ctx context.Context, key, localPath string) error
	// Download copies key into localPath. Missing keys yield an error wrapping ErrNotFound.
	Download(ctx context.Context, key, localPath string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key exists and, unless expectedLength is AnyLength,
	// whether its size equals expectedLength.
	Exists(ctx context.Context, key string, expectedLength int64) (bool, error)
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
