// Package geofence verifies physical presence inside a circular radius
// around a classroom coordinate.
package geofence

import "math"

// earthRadiusMeters is the spherical Earth approximation used by the
// haversine formula.
const earthRadiusMeters = 6371000.0

// Verdict is the outcome of a geofence check.
type Verdict struct {
	WithinRadius   bool
	DistanceMeters float64
}

// Distance returns the great-circle distance in meters between two
// coordinates using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Verify reports whether the check-in coordinate lies within
// radiusMeters of the classroom coordinate. The boundary is inclusive.
func Verify(checkinLat, checkinLng, classroomLat, classroomLng, radiusMeters float64) Verdict {
	d := Distance(checkinLat, checkinLng, classroomLat, classroomLng)
	return Verdict{
		WithinRadius:   d <= radiusMeters,
		DistanceMeters: d,
	}
}
