// Package dataset describes the archive families a worker can ingest.
package dataset

import (
	"fmt"
	"sort"
	"time"

	"github.com/freundallein/stacdc/chassis/aoi"
	"github.com/freundallein/stacdc/chassis/archive"
	"github.com/freundallein/stacdc/planner"
)

// Dataset is everything the worker pipeline needs to know about one
// archive family bound to one area.
type Dataset interface {
	Name() string
	AOI() aoi.AOI
	PlanParameters() planner.Params
	ProductTypes() []string
	Formats() []string
	FetchRequest(day time.Time, productType, format string) archive.Request
	// IsNotYetAvailable reports whether err means the product will appear later.
	IsNotYetAvailable(err error) bool
	ItemID(day time.Time) string
	// Key is the storage key of one product for one day.
	Key(day time.Time, productType, format string) string
	// RecordKey is the storage key of the catalogue record for one day.
	RecordKey(day time.Time) string
}

// Factory builds a Dataset for an area.
type Factory func(area aoi.AOI, formats []string, params planner.Params) Dataset

var factories = map[string]Factory{
	SingleLevels:   NewSingleLevels,
	PressureLevels: NewPressureLevels,
	Land:           NewLand,
}

// New looks up the dataset by name.
func New(name string, area aoi.AOI, formats []string, params planner.Params) (Dataset, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("dataset: unknown dataset %q", name)
	}
	return factory(area, formats, params), nil
}

// Names lists the known datasets.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkerKey is the shared file holding the last processed day of every AOI of a dataset.
func MarkerKey(dataset string) string {
	return dataset + "/last_downloaded_day.json"
}
