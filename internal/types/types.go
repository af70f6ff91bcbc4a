// README: Common identifier and coordinate value types shared across modules.
package types

// ID identifies a rider, driver, trip, or subscription. Identity is issued
// and verified by the external auth provider; the core never mints party IDs.
type ID string

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is inside the representable lat/lng ranges.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
