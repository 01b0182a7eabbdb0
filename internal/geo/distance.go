package geo

import (
	"math"

	"fleet-monitor/analytics/internal/domain"
)

// MeanEarthRadiusKm is the IUGG mean radius.
const MeanEarthRadiusKm = 6371.0088

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return MeanEarthRadiusKm * c
}

// DistanceMeters is HaversineKm for coordinates, in meters.
func DistanceMeters(a, b domain.Coordinate) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon) * 1000
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
