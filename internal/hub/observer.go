package hub

import (
	"time"

	"github.com/zulandar/convoyops/internal/models"
)

// NoticeKind identifies a mission-wide notice.
type NoticeKind string

const (
	NoticeJoined          NoticeKind = "joined"
	NoticeLeft            NoticeKind = "left"
	NoticeAlertCreated    NoticeKind = "alert_created"
	NoticeAlertValidated  NoticeKind = "alert_validated"
	NoticeAlertDismissed  NoticeKind = "alert_dismissed"
	NoticeAlertEnriched   NoticeKind = "alert_enriched"
	NoticeMissionChanged  NoticeKind = "mission_changed"
	NoticeDebriefReady    NoticeKind = "debrief_ready"
	NoticeRouteChanged    NoticeKind = "route_changed"
	NoticeMessageSent     NoticeKind = "message_sent"
	NoticeWaypointsChange NoticeKind = "waypoints_changed"
)

// Notice is an unfiltered copy of a notable session event, handed to
// observers such as the chat relay.
type Notice struct {
	Kind        NoticeKind
	Actor       models.Role
	Alert       *models.Alert
	Mission     *models.Mission
	RouteChange *models.RouteChange
	Message     *models.PcMessage
	At          time.Time
}

// Observer receives notices. Observe is called with the hub lock held
// and must not block.
type Observer interface {
	Observe(n Notice)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notice)

func (f ObserverFunc) Observe(n Notice) { f(n) }

func (h *Hub) notify(n Notice) {
	for _, o := range h.observers {
		o.Observe(n)
	}
}
