// README: GeoIndex contract and geographic math shared by its backends.
package geo

import (
	"context"
	"errors"
	"math"

	"hail/internal/types"
)

var (
	// ErrStaleReport rejects an upsert whose RecordedAt is older than the
	// sample already stored for that driver. Out-of-order arrivals are
	// dropped, never reordered.
	ErrStaleReport = errors.New("stale location report")
)

// Index maintains driver positions and answers radius queries. Reads may see
// a recent-but-not-latest snapshot; a slightly stale position only affects
// candidate ranking, never trip-state correctness.
type Index interface {
	// Upsert replaces the stored sample for loc.DriverID. Fails with
	// ErrStaleReport when loc.RecordedAt is older than the stored sample;
	// an equal timestamp is an idempotent overwrite.
	Upsert(ctx context.Context, loc DriverLocation) error
	// Nearby returns drivers within radiusMeters of p, nearest first,
	// bounded by limit (limit <= 0 means unbounded). An empty result is
	// valid, not an error. Ties on distance rank the fresher sample first.
	Nearby(ctx context.Context, p types.Point, radiusMeters float64, limit int) ([]NearbyDriver, error)
	// Remove drops the driver from matching, e.g. when they go offline or
	// pick up a trip.
	Remove(ctx context.Context, driverID types.ID) error
	// Get returns the stored sample for driverID, reporting presence.
	Get(ctx context.Context, driverID types.ID) (DriverLocation, bool, error)
}

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance in meters between two
// points given in decimal degrees.
func HaversineMeters(a, b types.Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	rLat1 := radians(a.Lat)
	rLat2 := radians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
