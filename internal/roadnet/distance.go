package roadnet

import (
	"github.com/golang/geo/s2"

	"github.com/banshee-data/fcdtraffic/internal/fcd"
	"github.com/banshee-data/fcdtraffic/internal/monitoring"
)

// EarthRadiusMeters is the mean earth radius used for great-circle
// distance conversion.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two
// positions. Road connections in simulation coordinates commonly span
// enough distance that a flat-plane approximation introduces the same
// kind of length error the stored connection length is already known to
// suffer from, so this always goes through s2's spherical distance.
func Distance(a, b fcd.Position) float64 {
	ll1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	ll2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	if !ll1.IsValid() || !ll2.IsValid() {
		monitoring.Logf("roadnet: invalid lat/lon in distance calculation: %v / %v", a, b)
		return 0
	}
	return ll1.Distance(ll2).Radians() * EarthRadiusMeters
}
