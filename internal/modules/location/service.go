// README: Location ingest; validates reports before they reach the geo index.
package location

import (
	"context"
	"errors"
	"log"

	"hail/internal/modules/geo"
)

var (
	ErrBadReport = errors.New("malformed location report")
	// ErrImplausibleMovement rejects a report whose implied speed from the
	// previous sample exceeds the configured maximum. The report is logged
	// and dropped, never forwarded.
	ErrImplausibleMovement = errors.New("implausible movement")
)

type Service struct {
	index       geo.Index
	maxSpeedKmh float64
}

func NewService(index geo.Index, maxSpeedKmh float64) *Service {
	return &Service{index: index, maxSpeedKmh: maxSpeedKmh}
}

// Report validates one position report and forwards it to the geo index.
// Stale reports surface geo.ErrStaleReport from the index unchanged.
func (s *Service) Report(ctx context.Context, rep Report) error {
	if rep.DriverID == "" || !rep.Position.Valid() || rep.RecordedAt.IsZero() {
		return ErrBadReport
	}

	prev, ok, err := s.index.Get(ctx, rep.DriverID)
	if err != nil {
		return err
	}
	if ok && !plausible(prev, rep, s.maxSpeedKmh) {
		log.Printf("location: dropping implausible report for driver %s (%.5f,%.5f)",
			rep.DriverID, rep.Position.Lat, rep.Position.Lng)
		return ErrImplausibleMovement
	}

	return s.index.Upsert(ctx, geo.DriverLocation{
		DriverID:       rep.DriverID,
		Position:       rep.Position,
		RecordedAt:     rep.RecordedAt,
		AccuracyMeters: rep.AccuracyMeters,
	})
}

// plausible checks the distance/time ratio between the stored sample and the
// new report. A report that moves the driver with zero or negative elapsed
// time is implausible unless the position did not change.
func plausible(prev geo.DriverLocation, rep Report, maxSpeedKmh float64) bool {
	dist := geo.HaversineMeters(prev.Position, rep.Position)
	if dist == 0 {
		return true
	}
	dt := rep.RecordedAt.Sub(prev.RecordedAt).Seconds()
	if dt <= 0 {
		return false
	}
	speedKmh := (dist / dt) * 3.6
	return speedKmh <= maxSpeedKmh
}
