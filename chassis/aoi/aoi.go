// Package aoi holds the named areas of interest a worker can be bound to.
package aoi

import (
	"fmt"
	"sort"
	"sync"
)

// AOI is a named bounding box. BBox is [south, west, north, east] in degrees.
type AOI struct {
	Name string
	BBox [4]float64
}

// South ...
func (a AOI) South() float64 { return a.BBox[0] }

// West ...
func (a AOI) West() float64 { return a.BBox[1] }

// North ...
func (a AOI) North() float64 { return a.BBox[2] }

// East ...
func (a AOI) East() float64 { return a.BBox[3] }

// STACBBox returns the box in GeoJSON order [west, south, east, north].
func (a AOI) STACBBox() []float64 {
	return []float64{a.West(), a.South(), a.East(), a.North()}
}

// CDSArea returns the box in the order the CDS retrieve API expects: [north, west, south, east].
func (a AOI) CDSArea() []float64 {
	return []float64{a.North(), a.West(), a.South(), a.East()}
}

// Polygon returns the closed exterior ring of the box as [lon, lat] pairs,
// counter-clockwise starting at the south-east corner.
func (a AOI) Polygon() [][][2]float64 {
	return [][][2]float64{{
		{a.East(), a.South()},
		{a.East(), a.North()},
		{a.West(), a.North()},
		{a.West(), a.South()},
		{a.East(), a.South()},
	}}
}

// Validate ...
func (a AOI) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("aoi: empty name")
	}
	if a.South() >= a.North() || a.West() >= a.East() {
		return fmt.Errorf("aoi: %s has a degenerate bbox %v", a.Name, a.BBox)
	}
	if a.South() < -90 || a.North() > 90 || a.West() < -180 || a.East() > 180 {
		return fmt.Errorf("aoi: %s bbox %v is out of range", a.Name, a.BBox)
	}
	return nil
}

// CzechRepublic ...
var CzechRepublic = AOI{Name: "czech_republic", BBox: [4]float64{48.48, 12.07, 51.08, 19.00}}

// Registry ...
type Registry struct {
	mu   sync.RWMutex
	aois map[string]AOI
}

// NewRegistry returns a registry seeded with the built-in areas.
func NewRegistry() *Registry {
	r := &Registry{aois: make(map[string]AOI)}
	r.aois[CzechRepublic.Name] = CzechRepublic
	return r
}

// Register adds or replaces an area.
func (r *Registry) Register(a AOI) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aois[a.Name] = a
	return nil
}

// Get ...
func (r *Registry) Get(name string) (AOI, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aois[name]
	if !ok {
		return AOI{}, fmt.Errorf("aoi: unknown area %q", name)
	}
	return a, nil
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.aois))
	for name := range r.aois {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
