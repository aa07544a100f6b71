package models

import "time"

// ConnectionEvent is the kind of a connection audit record.
type ConnectionEvent string

const (
	EventConnected    ConnectionEvent = "CONNECTED"
	EventDisconnected ConnectionEvent = "DISCONNECTED"
)

// ConnectionLog is a write-once record of a role joining or leaving.
type ConnectionLog struct {
	ID        uint            `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Role      Role            `gorm:"size:16;index" json:"role"`
	Event     ConnectionEvent `gorm:"size:16" json:"event"`
	Lat       float64         `json:"lat"`
	Lng       float64         `json:"lng"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

// RouteChange is a write-once record of a route recomputation.
type RouteChange struct {
	ID            uint      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	MissionID     uint      `gorm:"index" json:"mission_id"`
	Reason        string    `gorm:"size:256" json:"reason"`
	Justification string    `gorm:"type:text" json:"justification,omitempty"`
	PreviousRoute []LatLng  `gorm:"serializer:json;type:text" json:"previous_route"`
	NewRoute      []LatLng  `gorm:"serializer:json;type:text" json:"new_route"`
	TriggeredBy   *Role     `gorm:"size:16" json:"triggered_by,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}
