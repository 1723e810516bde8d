// Package catalogue registers STAC items describing stored products.
package catalogue

import (
	"context"
	"errors"
	"fmt"

	log "github.com/freundallein/stacdc/chassis/logging"
)

// Configuration errors, fatal at construction.
var (
	ErrHostMissing        = errors.New("catalogue: host not specified")
	ErrCredentialsMissing = errors.New("catalogue: credentials not provided")
	ErrTokenMissing       = errors.New("catalogue: token not obtained")
	ErrTemplateMissing    = errors.New("catalogue: no record template for dataset")
)

// ConflictError means an item with the same id is already registered.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("catalogue: item %s already exists", e.ExistingID)
}

// StatusError is a non-success answer from the catalogue.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalogue: unexpected status %d: %s", e.StatusCode, e.Body)
}

// TimeoutError is returned after every transport retry failed.
type TimeoutError struct {
	Attempts   int
	MaxRetries int
	Err        error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("catalogue: request failed after %d/%d attempts: %v", e.Attempts, e.MaxRetries, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ConflictLimitError is returned when conflicts keep coming back after deleting the existing item.
type ConflictLimitError struct {
	Collection string
	Conflicts  int
}

func (e *ConflictLimitError) Error() string {
	return fmt.Sprintf("catalogue: %s still conflicting after %d deletes", e.Collection, e.Conflicts)
}

// Client is the narrow view of the catalogue the registrar needs.
type Client interface {
	// RegisterItem returns the assigned feature id or a *ConflictError.
	RegisterItem(ctx context.Context, collection string, record []byte) (string, error)
	DeleteItem(ctx context.Context, collection, featureID string) error
}

// Registrar resolves id conflicts by deleting the existing item and registering again.
type Registrar struct {
	client       Client
	maxConflicts int
}

// NewRegistrar ...
func NewRegistrar(client Client, maxConflicts int) *Registrar {
	if maxConflicts <= 0 {
		maxConflicts = 3
	}
	return &Registrar{client: client, maxConflicts: maxConflicts}
}

// Register submits record to collection and returns its feature id.
func (r *Registrar) Register(ctx context.Context, collection string, record []byte) (string, error) {
	conflicts := 0
	for {
		featureID, err := r.client.RegisterItem(ctx, collection, record)
		if err == nil {
			log.WithFields(log.Fields{
				"event":      "catalogue_item_registered",
				"collection": collection,
				"featureId":  featureID,
				"conflicts":  conflicts,
			}).Info("catalogue item registered")
			return featureID, nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			return "", err
		}
		if conflicts >= r.maxConflicts {
			return "", &ConflictLimitError{Collection: collection, Conflicts: conflicts}
		}
		log.WithFields(log.Fields{
			"event":      "catalogue_conflict",
			"collection": collection,
			"existingId": conflict.ExistingID,
		}).Warn("deleting conflicting catalogue item")
		if err := r.client.DeleteItem(ctx, collection, conflict.ExistingID); err != nil {
			return "", fmt.Errorf("delete conflicting item %s: %w", conflict.ExistingID, err)
		}
		conflicts++
	}
}
