// Package lock implements a lease lock over a shared object store.
//
// The store has no create-if-absent primitive, so Acquire writes a record and
// reads it back to check who won. Two writers racing inside the window between
// Exists and the read-back can still both observe their own record if the
// store is not read-after-write consistent. The lease is best-effort and
// meant for low-contention bookkeeping, not as a quorum lock.
//
// Time is read from the luci clock carried by the context.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freundallein/stacdc/chassis/backoff"
	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/chassis/storage"
	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

const (
	// Suffix is appended to a resource key to form its lock key.
	Suffix = ".lock"

	DefaultTTLSeconds = 120
	DefaultMaxRetries = 10

	baseBackoff   = 500 * time.Millisecond
	backoffSpread = time.Second
)

// errHeld marks an attempt that found the lease taken by someone else.
var errHeld = errors.New("lock: held by another owner")

// UnavailableError is returned when the lock could not be taken within MaxRetries attempts.
type UnavailableError struct {
	Key      string
	Attempts int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("lock: %s unavailable after %d attempts", e.Key, e.Attempts)
}

// Record is the JSON body stored at <key>.lock.
type Record struct {
	OwnerID    string `json:"ownerId"`
	AcquiredAt int64  `json:"acquiredAtEpochSeconds"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Expired reports whether the lease is older than its ttl at now.
func (r Record) Expired(now time.Time) bool {
	return now.Unix()-r.AcquiredAt > int64(r.TTLSeconds)
}

// Config ...
type Config struct {
	Storage    storage.Client
	TTLSeconds int
	MaxRetries int
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
	// NewOwnerID defaults to uuid.NewString.
	NewOwnerID func() string
}

// Locker ...
type Locker struct {
	store      storage.Client
	ttl        int
	maxRetries int
	jitter     func() float64
	newOwnerID func() string
}

// New ...
func New(cfg Config) *Locker {
	l := &Locker{
		store:      cfg.Storage,
		ttl:        cfg.TTLSeconds,
		maxRetries: cfg.MaxRetries,
		jitter:     cfg.Jitter,
		newOwnerID: cfg.NewOwnerID,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTLSeconds
	}
	if l.maxRetries <= 0 {
		l.maxRetries = DefaultMaxRetries
	}
	if l.newOwnerID == nil {
		l.newOwnerID = uuid.NewString
	}
	return l
}

// Acquire takes the lease on key with the configured ttl and retry budget.
func (l *Locker) Acquire(ctx context.Context, key string) (string, error) {
	return l.AcquireWith(ctx, key, l.maxRetries, l.ttl)
}

// AcquireWith takes the lease on key and returns the owner id. Storage errors
// end the attempt loop at once; only a lease held by someone else is retried.
func (l *Locker) AcquireWith(ctx context.Context, key string, maxRetries, ttlSeconds int) (string, error) {
	lockKey := key + Suffix
	var ownerID string
	attempt := 0
	policy := transient.Only(backoff.Attempts(maxRetries, baseBackoff, backoffSpread, l.jitter))
	err := retry.Retry(ctx, policy, func() error {
		attempt++
		id, err := l.tryAcquire(ctx, lockKey, ttlSeconds)
		if err != nil {
			return err
		}
		if id == "" {
			return transient.Tag.Apply(errHeld)
		}
		ownerID = id
		return nil
	}, nil)
	switch {
	case err == nil:
		log.WithFields(log.Fields{
			"event":   "lock_acquired",
			"key":     key,
			"owner":   ownerID,
			"attempt": attempt,
		}).Debug("lock acquired")
		return ownerID, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case transient.Tag.In(err):
		log.WithFields(log.Fields{
			"event":    "lock_unavailable",
			"key":      key,
			"attempts": attempt,
		}).Warn("lock unavailable")
		return "", &UnavailableError{Key: key, Attempts: attempt}
	default:
		return "", err
	}
}

// tryAcquire makes one pass over the protocol. An empty owner id with a nil
// error means the caller should back off and retry.
func (l *Locker) tryAcquire(ctx context.Context, lockKey string, ttlSeconds int) (string, error) {
	exists, err := l.store.Exists(ctx, lockKey, storage.AnyLength)
	if err != nil {
		return "", err
	}
	if !exists {
		ownerID := l.newOwnerID()
		record := Record{
			OwnerID:    ownerID,
			AcquiredAt: clock.Now(ctx).Unix(),
			TTLSeconds: ttlSeconds,
		}
		if err := storage.WriteJSON(ctx, l.store, lockKey, record); err != nil {
			return "", err
		}
		current, err := l.read(ctx, lockKey)
		if err != nil {
			if storage.IsNotFound(err) {
				return "", nil
			}
			return "", err
		}
		if current.OwnerID == ownerID {
			return ownerID, nil
		}
		return "", nil
	}

	current, err := l.read(ctx, lockKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if current.Expired(clock.Now(ctx)) {
		log.WithFields(log.Fields{
			"event": "lock_expired",
			"key":   lockKey,
			"owner": current.OwnerID,
		}).Info("removing abandoned lock")
		if err := l.store.Delete(ctx, lockKey); err != nil {
			return "", err
		}
	}
	return "", nil
}

// Release deletes the lease if ownerID still holds it.
func (l *Locker) Release(ctx context.Context, key, ownerID string) error {
	lockKey := key + Suffix
	current, err := l.read(ctx, lockKey)
	if err != nil {
		if storage.IsNotFound(err) {
			log.WithFields(log.Fields{
				"event": "lock_missing_on_release",
				"key":   key,
				"owner": ownerID,
			}).Warn("lock already gone")
			return nil
		}
		return err
	}
	if current.OwnerID != ownerID {
		log.WithFields(log.Fields{
			"event":        "lock_owner_mismatch",
			"key":          key,
			"owner":        ownerID,
			"currentOwner": current.OwnerID,
		}).Warn("lock is held by another owner, not releasing")
		return nil
	}
	if err := l.store.Delete(ctx, lockKey); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "lock_released",
		"key":   key,
		"owner": ownerID,
	}).Debug("lock released")
	return nil
}

// WithLock runs fn while holding the lease on key. Release errors are logged, the
// lease expires on its own.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	ownerID, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// release even if ctx was cancelled while fn ran
		if relErr := l.Release(context.Background(), key, ownerID); relErr != nil {
			log.WithFields(log.Fields{
				"event": "lock_release_failed",
				"key":   key,
				"owner": ownerID,
			}).Error(relErr)
		}
	}()
	return fn(ctx)
}

func (l *Locker) read(ctx context.Context, lockKey string) (Record, error) {
	var record Record
	if err := storage.ReadJSON(ctx, l.store, lockKey, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// IsUnavailable ...
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}
