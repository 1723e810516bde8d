package monkey

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/chassis/storage"
)

// ErrMonkey is the injected failure.
var ErrMonkey = errors.New("monkey error")

var (
	mu  sync.Mutex
	rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomizeError with probability chance replaces a nil err with ErrMonkey.
func RandomizeError(err error, chance float64) error {
	if err != nil || chance <= 0 {
		return err
	}
	mu.Lock()
	roll := rnd.Float64()
	mu.Unlock()
	if roll >= chance {
		return nil
	}
	return ErrMonkey
}

// Storage wraps a storage client and fails a fraction of calls before they reach it.
type Storage struct {
	next   storage.Client
	chance float64
}

// WrapStorage returns next unchanged when chance is zero.
func WrapStorage(next storage.Client, chance float64) storage.Client {
	if chance <= 0 {
		return next
	}
	log.WithFields(log.Fields{
		"event":  "chaos_enabled",
		"chance": chance,
	}).Warn("storage fault injection enabled")
	return &Storage{next: next, chance: chance}
}

func (s *Storage) fail(op, key string) error {
	if err := RandomizeError(nil, s.chance); err != nil {
		return &storage.IOError{Op: op, Key: key, Err: err}
	}
	return nil
}

// Upload ...
func (s *Storage) Upload(ctx context.Context, key, localPath string) error {
	if err := s.fail("upload", key); err != nil {
		return err
	}
	return s.next.Upload(ctx, key, localPath)
}

// Download ...
func (s *Storage) Download(ctx context.Context, key, localPath string) error {
	if err := s.fail("download", key); err != nil {
		return err
	}
	return s.next.Download(ctx, key, localPath)
}

// Delete ...
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.fail("delete", key); err != nil {
		return err
	}
	return s.next.Delete(ctx, key)
}

// Exists ...
func (s *Storage) Exists(ctx context.Context, key string, expectedLength int64) (bool, error) {
	if err := s.fail("exists", key); err != nil {
		return false, err
	}
	return s.next.Exists(ctx, key, expectedLength)
}
