// README: Driver location sample and proximity result types.
package geo

import (
	"time"

	"hail/internal/types"
)

// DriverLocation is the latest reported position of one driver. The index
// keeps exactly one sample per driver; older samples are never retained.
type DriverLocation struct {
	DriverID       types.ID
	Position       types.Point
	RecordedAt     time.Time
	AccuracyMeters float64
}

// NearbyDriver is one ranked result of a proximity query.
type NearbyDriver struct {
	DriverID       types.ID
	DistanceMeters float64
	RecordedAt     time.Time
}
