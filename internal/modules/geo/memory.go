// README: In-memory GeoIndex; geohash buckets with a coarse/fine query path.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"hail/internal/types"
)

// MemoryIndex buckets drivers by geohash cell so a proximity query only
// scans the cells overlapping the search radius instead of the whole fleet.
// Many goroutines upsert concurrently while queries read; an RWMutex keeps
// writers exclusive and lets queries share.
type MemoryIndex struct {
	mu        sync.RWMutex
	precision uint
	cells     map[string]map[types.ID]*DriverLocation
	cellOf    map[types.ID]string // secondary index, makes moves O(1)
}

func NewMemoryIndex(precision uint) *MemoryIndex {
	if precision == 0 || precision > 12 {
		precision = 6
	}
	return &MemoryIndex{
		precision: precision,
		cells:     make(map[string]map[types.ID]*DriverLocation),
		cellOf:    make(map[types.ID]string),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, loc DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.cellOf[loc.DriverID]; ok {
		stored := m.cells[prev][loc.DriverID]
		if loc.RecordedAt.Before(stored.RecordedAt) {
			return ErrStaleReport
		}
		delete(m.cells[prev], loc.DriverID)
		if len(m.cells[prev]) == 0 {
			delete(m.cells, prev)
		}
	}

	cell := geohash.EncodeWithPrecision(loc.Position.Lat, loc.Position.Lng, m.precision)
	if m.cells[cell] == nil {
		m.cells[cell] = make(map[types.ID]*DriverLocation)
	}
	sample := loc
	m.cells[cell][loc.DriverID] = &sample
	m.cellOf[loc.DriverID] = cell
	return nil
}

func (m *MemoryIndex) Nearby(_ context.Context, p types.Point, radiusMeters float64, limit int) ([]NearbyDriver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []NearbyDriver
	for _, cell := range m.coverCells(p, radiusMeters) {
		for _, loc := range m.cells[cell] {
			d := HaversineMeters(p, loc.Position)
			if d <= radiusMeters {
				found = append(found, NearbyDriver{
					DriverID:       loc.DriverID,
					DistanceMeters: d,
					RecordedAt:     loc.RecordedAt,
				})
			}
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].DistanceMeters != found[j].DistanceMeters {
			return found[i].DistanceMeters < found[j].DistanceMeters
		}
		return found[i].RecordedAt.After(found[j].RecordedAt)
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (m *MemoryIndex) Remove(_ context.Context, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cell, ok := m.cellOf[driverID]
	if !ok {
		return nil
	}
	delete(m.cells[cell], driverID)
	if len(m.cells[cell]) == 0 {
		delete(m.cells, cell)
	}
	delete(m.cellOf, driverID)
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, driverID types.ID) (DriverLocation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cell, ok := m.cellOf[driverID]
	if !ok {
		return DriverLocation{}, false, nil
	}
	return *m.cells[cell][driverID], true, nil
}

// Count returns the number of drivers currently indexed.
func (m *MemoryIndex) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cellOf)
}

// coverCells returns every geohash cell overlapping the search circle. It
// steps a grid of the center cell's dimensions across the circle's bounding
// box, so a radius within one cell span degenerates to the classic
// center-plus-neighbors scan. Callers must hold at least the read lock.
func (m *MemoryIndex) coverCells(p types.Point, radiusMeters float64) []string {
	center := geohash.EncodeWithPrecision(p.Lat, p.Lng, m.precision)
	box := geohash.BoundingBox(center)
	stepLat := box.MaxLat - box.MinLat
	stepLng := box.MaxLng - box.MinLng

	dLat := radiusMeters / 111320.0
	dLng := dLat
	if cosLat := math.Cos(radians(p.Lat)); cosLat > 0.01 {
		dLng = dLat / cosLat
	}

	seen := make(map[string]struct{})
	cells := make([]string, 0, 9)
	for lat := p.Lat - dLat - stepLat; lat <= p.Lat+dLat+stepLat; lat += stepLat {
		for lng := p.Lng - dLng - stepLng; lng <= p.Lng+dLng+stepLng; lng += stepLng {
			cell := geohash.EncodeWithPrecision(clampLat(lat), wrapLng(lng), m.precision)
			if _, dup := seen[cell]; dup {
				continue
			}
			seen[cell] = struct{}{}
			cells = append(cells, cell)
		}
	}
	return cells
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
