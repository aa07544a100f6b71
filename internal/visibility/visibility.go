// Package visibility implements the fog-of-war filter.
//
// The command post and the aircraft see everything. Every other role sees
// the vehicles and alerts within a radius of its own vehicle. A role whose
// own position is unknown sees everything.
//
// Nothing here is cached: the observer moves continuously, so callers run
// the filter for every snapshot and every delta they emit.
package visibility

import (
	"math"

	"github.com/zulandar/convoyops/internal/models"
)

// DefaultRadiusM is the fog-of-war radius in meters.
const DefaultRadiusM = 300.0

const earthRadiusM = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinates given in degrees.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Position returns the observer's own position among vehicles. ok is
// false when the observer has no vehicle or its coordinates are unusable.
func Position(observer models.Role, vehicles []models.Vehicle) (lat, lng float64, ok bool) {
	for _, v := range vehicles {
		if v.Role != observer {
			continue
		}
		if math.IsNaN(v.Lat) || math.IsNaN(v.Lng) || math.IsInf(v.Lat, 0) || math.IsInf(v.Lng, 0) {
			return 0, 0, false
		}
		return v.Lat, v.Lng, true
	}
	return 0, 0, false
}

// Filter is a resolved view for one observer. Build it once per emission
// with For and reuse it across the entities of that emission.
type Filter struct {
	observer models.Role
	radius   float64
	all      bool
	lat, lng float64
}

// For resolves observer's view against the current vehicle set. A
// non-positive radius falls back to DefaultRadiusM.
func For(observer models.Role, vehicles []models.Vehicle, radius float64) Filter {
	if radius <= 0 {
		radius = DefaultRadiusM
	}
	f := Filter{observer: observer, radius: radius}
	if observer.Omniscient() {
		f.all = true
		return f
	}
	lat, lng, ok := Position(observer, vehicles)
	if !ok {
		f.all = true
		return f
	}
	f.lat, f.lng = lat, lng
	return f
}

// Omniscient reports whether the view is unfiltered, either because of
// the observer's role or because its position is unknown.
func (f Filter) Omniscient() bool { return f.all }

// CanSee reports whether a point is inside the view. The boundary is
// inclusive.
func (f Filter) CanSee(lat, lng float64) bool {
	if f.all {
		return true
	}
	return Haversine(f.lat, f.lng, lat, lng) <= f.radius
}

// Vehicle reports whether v is inside the view. The observer always sees
// its own vehicle.
func (f Filter) Vehicle(v models.Vehicle) bool {
	return v.Role == f.observer || f.CanSee(v.Lat, v.Lng)
}

// Alert reports whether a is inside the view. Distance alone decides,
// including for the role that raised it.
func (f Filter) Alert(a models.Alert) bool {
	return f.CanSee(a.Lat, a.Lng)
}

// Vehicles returns the subset of vehicles inside the view, preserving order.
func (f Filter) Vehicles(vehicles []models.Vehicle) []models.Vehicle {
	out := make([]models.Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if f.Vehicle(v) {
			out = append(out, v)
		}
	}
	return out
}

// Alerts returns the subset of alerts inside the view, preserving order.
func (f Filter) Alerts(alerts []models.Alert) []models.Alert {
	out := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if f.Alert(a) {
			out = append(out, a)
		}
	}
	return out
}

// VisibleVehicles returns the vehicles observer can see.
func VisibleVehicles(observer models.Role, all []models.Vehicle, radius float64) []models.Vehicle {
	return For(observer, all, radius).Vehicles(all)
}

// VisibleAlerts returns the alerts observer can see, positioned against
// the given vehicle set.
func VisibleAlerts(observer models.Role, vehicles []models.Vehicle, alerts []models.Alert, radius float64) []models.Alert {
	return For(observer, vehicles, radius).Alerts(alerts)
}

// CanSee reports whether observer can see the point (lat, lng).
func CanSee(observer models.Role, vehicles []models.Vehicle, lat, lng, radius float64) bool {
	return For(observer, vehicles, radius).CanSee(lat, lng)
}
