package store

import (
	"math"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/models"
)

// CheckCoordinate rejects non-finite or out-of-range coordinates.
func CheckCoordinate(lat, lng float64) error {
	if !finite(lat) {
		return apperr.Invalid("lat", "must be finite")
	}
	if !finite(lng) {
		return apperr.Invalid("lng", "must be finite")
	}
	if lat < -90 || lat > 90 {
		return apperr.Invalid("lat", "must be within [-90, 90]")
	}
	if lng < -180 || lng > 180 {
		return apperr.Invalid("lng", "must be within [-180, 180]")
	}
	return nil
}

// NormalizeHeading wraps h into [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// ClampSpeed clamps negative speeds to zero.
func ClampSpeed(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// NormalizeVehicle enforces the vehicle invariants in place: finite
// coordinates, heading in [0, 360) and speed >= 0.
func NormalizeVehicle(v *models.Vehicle) error {
	if err := CheckCoordinate(v.Lat, v.Lng); err != nil {
		return err
	}
	if !finite(v.Heading) {
		return apperr.Invalid("heading", "must be finite")
	}
	if math.IsNaN(v.Speed) || math.IsInf(v.Speed, 1) {
		return apperr.Invalid("speed", "must be finite")
	}
	v.Heading = NormalizeHeading(v.Heading)
	v.Speed = ClampSpeed(v.Speed)
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
