package models

import "time"

// MissionStatus is the lifecycle state of the mission.
type MissionStatus string

const (
	MissionBriefing   MissionStatus = "BRIEFING"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionAborted    MissionStatus = "ABORTED"
)

// Mission is the singleton current mission of a session.
type Mission struct {
	ID            uint          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name          string        `gorm:"size:128;not null" json:"name"`
	Status        MissionStatus `gorm:"size:16;default:BRIEFING;index" json:"status"`
	StartLat      float64       `json:"start_lat"`
	StartLng      float64       `json:"start_lng"`
	ExtractionLat float64       `json:"extraction_lat"`
	ExtractionLng float64       `json:"extraction_lng"`
	Briefing      string        `gorm:"type:text" json:"briefing"`
	Debrief       string        `gorm:"type:text" json:"debrief,omitempty"`
	Route         []LatLng      `gorm:"serializer:json;type:text" json:"route"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	AbortedAt     *time.Time    `json:"aborted_at,omitempty"`
}

// Start returns the mission start point.
func (m Mission) Start() LatLng { return LatLng{m.StartLat, m.StartLng} }

// Extraction returns the mission extraction point.
func (m Mission) Extraction() LatLng { return LatLng{m.ExtractionLat, m.ExtractionLng} }

// Waypoint is an ordered point of interest on the current mission.
type Waypoint struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	MissionID     uint       `gorm:"index" json:"mission_id"`
	Code          string     `gorm:"size:32" json:"code"`
	Name          string     `gorm:"size:128" json:"name"`
	Category      string     `gorm:"size:32" json:"category"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	OrderIndex    int        `gorm:"index" json:"order_index"`
	Description   string     `gorm:"type:text" json:"description,omitempty"`
	ETA           *time.Time `json:"eta,omitempty"`
	ActualArrival *time.Time `json:"actual_arrival,omitempty"`
}
