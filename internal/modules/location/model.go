// README: Inbound position report from a driver's periodic pings.
package location

import (
	"time"

	"hail/internal/types"
)

type Report struct {
	DriverID       types.ID
	Position       types.Point
	AccuracyMeters float64
	RecordedAt     time.Time
}
