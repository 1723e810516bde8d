package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/freundallein/stacdc/chassis/logging"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// BlobStorage implements Client on top of a gocloud bucket.
type BlobStorage struct {
	bucket *blob.Bucket
}

// OpenBlobStorage opens a bucket by URL, e.g. file:///var/lib/stacdc, gs://bucket or mem://.
func OpenBlobStorage(ctx context.Context, url string) (*BlobStorage, error) {
	if url == "" {
		return nil, ErrBucketMissing
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return &BlobStorage{bucket: bucket}, nil
}

// NewBlobStorage wraps an already opened bucket.
func NewBlobStorage(bucket *blob.Bucket) *BlobStorage {
	return &BlobStorage{bucket: bucket}
}

// Close releases the bucket.
func (s *BlobStorage) Close() error {
	return s.bucket.Close()
}

// Upload ...
func (s *BlobStorage) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	defer f.Close()

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	if err := w.Close(); err != nil {
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	log.WithFields(log.Fields{
		"event":   "object_uploaded",
		"storage": "blob",
		"key":     key,
	}).Debug("uploaded ", localPath)
	return nil
}

// Download ...
func (s *BlobStorage) Download(ctx context.Context, key, localPath string) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &IOError{Op: "download", Key: key, Err: err}
	}
	defer r.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return &IOError{Op: "download", Key: key, Err: err}
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return &IOError{Op: "download", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "download", Key: key, Err: err}
	}
	return nil
}

// Delete ...
func (s *BlobStorage) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && !isBlobNotFound(err) {
		return &IOError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists ...
func (s *BlobStorage) Exists(ctx context.Context, key string, expectedLength int64) (bool, error) {
	if expectedLength == AnyLength {
		ok, err := s.bucket.Exists(ctx, key)
		if err != nil {
			return false, &IOError{Op: "exists", Key: key, Err: err}
		}
		return ok, nil
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if isBlobNotFound(err) {
			return false, nil
		}
		return false, &IOError{Op: "exists", Key: key, Err: err}
	}
	if attrs.Size != expectedLength {
		log.WithFields(log.Fields{
			"event":    "object_size_mismatch",
			"storage":  "blob",
			"key":      key,
			"size":     attrs.Size,
			"expected": expectedLength,
		}).Warn("object length does not match expected length")
		return false, nil
	}
	return true, nil
}

func isBlobNotFound(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
