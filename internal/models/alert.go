package models

import "time"

// AlertCategory is the closed set of threat/observation kinds.
type AlertCategory string

const (
	CategoryObstacle        AlertCategory = "obstacle"
	CategoryHostile         AlertCategory = "hostile"
	CategoryIEDSuspect      AlertCategory = "ied_suspect"
	CategoryBreakdown       AlertCategory = "breakdown"
	CategoryCivilianTraffic AlertCategory = "civilian_traffic"
	CategoryOther           AlertCategory = "other"
)

// AlertCategories lists every valid category.
var AlertCategories = []AlertCategory{
	CategoryObstacle, CategoryHostile, CategoryIEDSuspect,
	CategoryBreakdown, CategoryCivilianTraffic, CategoryOther,
}

// Valid reports whether c is a known category.
func (c AlertCategory) Valid() bool {
	for _, v := range AlertCategories {
		if v == c {
			return true
		}
	}
	return false
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertPending   AlertStatus = "PENDING"
	AlertValidated AlertStatus = "VALIDATED"
	AlertDismissed AlertStatus = "DISMISSED"
)

// Alert is a threat or observation report raised by a field unit.
type Alert struct {
	ID          string        `gorm:"primaryKey;size:36" json:"id"`
	Category    AlertCategory `gorm:"size:32;not null" json:"category"`
	Status      AlertStatus   `gorm:"size:16;default:PENDING;index" json:"status"`
	Lat         float64       `json:"lat"`
	Lng         float64       `json:"lng"`
	Description string        `gorm:"type:text" json:"description,omitempty"`
	ImageRef    string        `gorm:"size:256" json:"image_ref,omitempty"`
	Enrichment  *Enrichment   `gorm:"serializer:json;type:text" json:"enrichment,omitempty"`
	Origin      *Role         `gorm:"size:16" json:"origin,omitempty"`
	CreatedAt   time.Time     `gorm:"index" json:"created_at"`
	ValidatedAt *time.Time    `json:"validated_at,omitempty"`
	ValidatedBy *Role         `gorm:"size:16" json:"validated_by,omitempty"`
}

// Enrichment is the image-classification result attached to an alert
// after creation.
type Enrichment struct {
	Category       string  `json:"category"`
	ThreatLevel    string  `json:"threat_level"`
	Description    string  `json:"description"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}
