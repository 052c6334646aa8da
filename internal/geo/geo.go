package geo

import (
	"errors"
	"fmt"
	"math"
)

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6371000

// ErrInvalidCoordinate indicates a latitude or longitude outside its valid range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that the point lies within lat [-90,90] and lng [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lat=%g lng=%g", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return nil
}

// Distance returns the great-circle distance between two points in meters
// using the haversine formula.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c, nil
}

// WithinRadius reports whether p lies within radiusMeters of center, and
// returns the measured distance so callers can surface it.
func WithinRadius(p, center Point, radiusMeters float64) (bool, float64, error) {
	d, err := Distance(p, center)
	if err != nil {
		return false, 0, err
	}
	return d <= radiusMeters, d, nil
}
