package verification

import (
	"math"

	"github.com/otpcare/takehome/internal/domain/takehome"
)

const (
	earthRadiusMeters = 6371008.8
	feetPerMeter      = 3.280839895
)

// DistanceFeet returns the great-circle distance between two points in feet
func DistanceFeet(a, b takehome.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c * feetPerMeter
}

func validLocation(l takehome.Location) bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180 &&
		!math.IsNaN(l.Lat) && !math.IsNaN(l.Lng)
}
