package telegraph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// categorySeverity grades an alert category for the sidebar color.
func categorySeverity(c models.AlertCategory) string {
	switch c {
	case models.CategoryHostile, models.CategoryIEDSuspect:
		return "error"
	case models.CategoryObstacle, models.CategoryBreakdown:
		return "warning"
	default:
		return "info"
	}
}

// missionSeverity returns the severity for a mission status.
func missionSeverity(s models.MissionStatus) string {
	switch s {
	case models.MissionCompleted:
		return "success"
	case models.MissionAborted:
		return "error"
	default:
		return "info"
	}
}

func newEvent(title, body, severity string, fields ...Field) FormattedEvent {
	return FormattedEvent{
		Title:    title,
		Body:     body,
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

func roleName(r *models.Role) string {
	if r == nil {
		return "unknown"
	}
	return string(*r)
}

func coords(lat, lng float64) string {
	return fmt.Sprintf("%.5f, %.5f", lat, lng)
}

// FormatNotice converts a hub notice into a chat event. The second return
// is false for notices the relay does not forward (presence, messages,
// waypoint edits).
func FormatNotice(n hub.Notice) (FormattedEvent, bool) {
	switch n.Kind {
	case hub.NoticeAlertCreated:
		if n.Alert == nil {
			return FormattedEvent{}, false
		}
		a := n.Alert
		return newEvent(
			fmt.Sprintf("Alert raised by %s", roleName(a.Origin)),
			a.Description,
			categorySeverity(a.Category),
			Field{Name: "Category", Value: string(a.Category), Short: true},
			Field{Name: "Position", Value: coords(a.Lat, a.Lng), Short: true},
			Field{Name: "Alert", Value: a.ID},
		), true

	case hub.NoticeAlertValidated, hub.NoticeAlertDismissed:
		if n.Alert == nil {
			return FormattedEvent{}, false
		}
		a := n.Alert
		verb, severity := "validated", "warning"
		if n.Kind == hub.NoticeAlertDismissed {
			verb, severity = "dismissed", "info"
		}
		return newEvent(
			fmt.Sprintf("Alert %s by %s", verb, roleName(a.ValidatedBy)),
			a.Description,
			severity,
			Field{Name: "Category", Value: string(a.Category), Short: true},
			Field{Name: "Origin", Value: roleName(a.Origin), Short: true},
			Field{Name: "Alert", Value: a.ID},
		), true

	case hub.NoticeAlertEnriched:
		if n.Alert == nil || n.Alert.Enrichment == nil {
			return FormattedEvent{}, false
		}
		e := n.Alert.Enrichment
		return newEvent(
			fmt.Sprintf("Alert assessed: %s", e.Category),
			e.Description,
			categorySeverity(n.Alert.Category),
			Field{Name: "Threat", Value: e.ThreatLevel, Short: true},
			Field{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", e.Confidence*100), Short: true},
			Field{Name: "Recommendation", Value: e.Recommendation},
		), true

	case hub.NoticeMissionChanged:
		if n.Mission == nil {
			return FormattedEvent{}, false
		}
		m := n.Mission
		return newEvent(
			fmt.Sprintf("%s: %s", m.Name, m.Status),
			"",
			missionSeverity(m.Status),
			Field{Name: "By", Value: string(n.Actor), Short: true},
		), true

	case hub.NoticeDebriefReady:
		if n.Mission == nil || n.Mission.Debrief == "" {
			return FormattedEvent{}, false
		}
		return newEvent(
			fmt.Sprintf("%s debrief", n.Mission.Name),
			n.Mission.Debrief,
			missionSeverity(n.Mission.Status),
		), true

	case hub.NoticeRouteChanged:
		if n.RouteChange == nil {
			return FormattedEvent{}, false
		}
		rc := n.RouteChange
		return newEvent(
			"Route recalculated",
			rc.Justification,
			"warning",
			Field{Name: "Reason", Value: rc.Reason, Short: true},
			Field{Name: "By", Value: roleName(rc.TriggeredBy), Short: true},
			Field{Name: "Points", Value: fmt.Sprintf("%d → %d", len(rc.PreviousRoute), len(rc.NewRoute)), Short: true},
		), true
	}
	return FormattedEvent{}, false
}

// Sitrep is a point-in-time summary of the session posted on a schedule.
type Sitrep struct {
	Mission   *models.Mission
	Connected []models.Role
	Alerts    map[models.AlertStatus]int
	Waypoints int
	At        time.Time
}

// FormatSitrep renders a situation report.
func FormatSitrep(s Sitrep) FormattedEvent {
	title := "Sitrep"
	severity := "info"
	if s.Mission != nil {
		title = fmt.Sprintf("Sitrep: %s (%s)", s.Mission.Name, s.Mission.Status)
		severity = missionSeverity(s.Mission.Status)
	}

	units := "none"
	if len(s.Connected) > 0 {
		names := make([]string, len(s.Connected))
		for i, r := range s.Connected {
			names[i] = string(r)
		}
		sort.Strings(names)
		units = strings.Join(names, ", ")
	}

	if s.Alerts[models.AlertPending] > 0 && severity == "info" {
		severity = "warning"
	}

	return newEvent(
		title,
		fmt.Sprintf("As of %s", s.At.UTC().Format(time.RFC3339)),
		severity,
		Field{Name: "Units online", Value: units},
		Field{Name: "Pending", Value: fmt.Sprint(s.Alerts[models.AlertPending]), Short: true},
		Field{Name: "Validated", Value: fmt.Sprint(s.Alerts[models.AlertValidated]), Short: true},
		Field{Name: "Dismissed", Value: fmt.Sprint(s.Alerts[models.AlertDismissed]), Short: true},
		Field{Name: "Waypoints", Value: fmt.Sprint(s.Waypoints), Short: true},
	)
}
