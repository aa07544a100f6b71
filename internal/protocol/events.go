package protocol

import (
	"encoding/json"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/models"
)

// Outbound event types.
const (
	EventJoined          = "session:joined"
	EventPresence        = "presence:updated"
	EventVehiclesSync    = "vehicles:sync"
	EventVehicleUpdated  = "vehicle:updated"
	EventAlertsSync      = "alerts:sync"
	EventAlertCreated    = "alert:created"
	EventAlertUpdated    = "alert:updated"
	EventMessagesSync    = "messages:sync"
	EventMessageReceived = "message:received"
	EventMessageSent     = "message:sent"
	EventMessageUpdated  = "message:updated"
	EventRouteUpdated    = "route:updated"
	EventRouteChanged    = "route:changed"
	EventMissionUpdated  = "mission:updated"
	EventWaypointsSync   = "waypoints:sync"
	EventError           = "error"
)

// Event is one outbound message.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Encode renders ev as an envelope frame.
func (ev Event) Encode() ([]byte, error) {
	return json.Marshal(ev)
}

// Joined acknowledges a join.
type Joined struct {
	Role      models.Role   `json:"role"`
	Connected []models.Role `json:"connected"`
}

// Presence lists the roles currently connected.
type Presence struct {
	Connected []models.Role `json:"connected"`
}

// RouteChanged follows a route:updated produced by a recalculation. The
// route:updated payload itself is the bare point list. Direct is set when
// the route service was unavailable.
type RouteChanged struct {
	Change models.RouteChange `json:"change"`
	Direct bool               `json:"direct,omitempty"`
}

// ErrorPayload reports a rejected intent to the acting client only.
type ErrorPayload struct {
	Intent  string `json:"intent,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent builds the rejection event for err.
func ErrorEvent(intent string, err error) Event {
	return Event{Type: EventError, Payload: ErrorPayload{
		Intent:  intent,
		Code:    apperr.Code(err),
		Message: err.Error(),
	}}
}
