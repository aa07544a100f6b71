package models

import "time"

// Vehicle is the live map presence of one role. All seven rows are
// created at bootstrap and never deleted.
type Vehicle struct {
	Role      Role      `gorm:"primaryKey;size:16" json:"role"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Stealth   bool      `gorm:"default:false" json:"stealth"`
	Connected bool      `gorm:"default:false;index" json:"connected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionSample is one recorded position of a vehicle, kept for
// position-history queries and post-mission replay.
type PositionSample struct {
	ID         uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Role       Role      `gorm:"size:16;index:idx_role_recorded" json:"role"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	RecordedAt time.Time `gorm:"index:idx_role_recorded" json:"recorded_at"`
}

// LatLng is a single coordinate pair, serialized as [lat, lng].
type LatLng [2]float64

// Lat returns the latitude component.
func (p LatLng) Lat() float64 { return p[0] }

// Lng returns the longitude component.
func (p LatLng) Lng() float64 { return p[1] }
