package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/freundallein/stacdc/chassis/logging"
	"github.com/freundallein/stacdc/chassis/storage"
	"github.com/freundallein/stacdc/dataset"
)

const dayLayout = "2006-01-02"

// Locker serializes read-modify-write of shared files.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// MarkerStore keeps the last processed day of every AOI of one dataset in a
// single shared JSON file.
type MarkerStore struct {
	storage storage.Client
	locker  Locker
	key     string
}

// NewMarkerStore ...
func NewMarkerStore(client storage.Client, locker Locker, datasetName string) *MarkerStore {
	return &MarkerStore{
		storage: client,
		locker:  locker,
		key:     dataset.MarkerKey(datasetName),
	}
}

// Key ...
func (m *MarkerStore) Key() string {
	return m.key
}

func (m *MarkerStore) load(ctx context.Context) (map[string]string, error) {
	markers := make(map[string]string)
	err := storage.ReadJSON(ctx, m.storage, m.key, &markers)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if markers == nil {
		markers = make(map[string]string)
	}
	return markers, nil
}

// Get returns the last processed day of aoi, or nil if it has never been processed.
func (m *MarkerStore) Get(ctx context.Context, aoi string) (*time.Time, error) {
	markers, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	value, ok := markers[aoi]
	if !ok || value == "" {
		return nil, nil
	}
	day, err := time.Parse(dayLayout, value)
	if err != nil {
		return nil, fmt.Errorf("marker %s for %s: %w", m.key, aoi, err)
	}
	return &day, nil
}

// Advance moves the marker of aoi to day under the lock. The marker never moves
// backward; the stored value is returned.
func (m *MarkerStore) Advance(ctx context.Context, aoi string, day time.Time) (time.Time, error) {
	stored := day
	err := m.locker.WithLock(ctx, m.key, func(ctx context.Context) error {
		markers, err := m.load(ctx)
		if err != nil {
			return err
		}
		if current, err := time.Parse(dayLayout, markers[aoi]); err == nil && current.After(day) {
			log.WithFields(log.Fields{
				"event":   "marker_kept",
				"key":     m.key,
				"aoi":     aoi,
				"day":     day.Format(dayLayout),
				"current": markers[aoi],
			}).Debug("marker is already ahead")
			stored = current
			return nil
		}
		markers[aoi] = day.Format(dayLayout)
		return storage.WriteJSON(ctx, m.storage, m.key, markers)
	})
	if err != nil {
		return time.Time{}, err
	}
	return stored, nil
}
