package geofence

import "math"

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371000

// Point is a device GPS fix.
type Point struct {
	Lat            float64
	Lng            float64
	AccuracyMeters float64
}

// Zone is a circular geofence centered on an event location.
type Zone struct {
	ID           string
	Name         string
	Lat          float64
	Lng          float64
	RadiusMeters float64
	Kind         string // "INDOOR" or "OUTDOOR"
}

// Result reports a geofence evaluation.
type Result struct {
	// Inside is true when the point falls within at least one zone.
	Inside bool
	// NearestDistanceMeters is the distance to the closest zone center,
	// rounded to the nearest meter for display. Zero when no zone is
	// configured.
	NearestDistanceMeters float64
	// Configured is false when the event has no usable geofence, in
	// which case validation is skipped and Inside is true.
	Configured bool
}

// Distance returns the haversine great-circle distance in meters
// between two coordinates.
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

// Evaluate tests a point against an event's zones. A point inside ANY
// zone passes (boundary inclusive). Zones with a zero latitude are
// treated as unset and skipped; when every zone is unset the event has
// no geofence and the result reports Configured=false with Inside=true.
// The inequality uses full precision; only the reported distance is
// rounded.
func Evaluate(p Point, zones []Zone) Result {
	inside := false
	configured := false
	minDist := math.MaxFloat64

	for _, z := range zones {
		if z.Lat == 0 {
			continue
		}
		configured = true
		dist := Distance(p.Lat, p.Lng, z.Lat, z.Lng)
		if dist < minDist {
			minDist = dist
		}
		if dist <= z.RadiusMeters {
			inside = true
			break
		}
	}

	if !configured {
		return Result{Inside: true, Configured: false}
	}
	return Result{
		Inside:                inside,
		NearestDistanceMeters: math.Round(minDist),
		Configured:            true,
	}
}
