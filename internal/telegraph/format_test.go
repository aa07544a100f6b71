package telegraph

import (
	"strings"
	"testing"
	"time"

	"github.com/zulandar/convoyops/internal/hub"
	"github.com/zulandar/convoyops/internal/models"
)

func TestSeverityColor(t *testing.T) {
	tests := map[string]string{
		"success": ColorSuccess,
		"info":    ColorInfo,
		"warning": ColorWarning,
		"error":   ColorError,
		"other":   ColorInfo,
	}
	for sev, want := range tests {
		if got := severityColor(sev); got != want {
			t.Errorf("severityColor(%q) = %q, want %q", sev, got, want)
		}
	}
}

func TestFormatNotice(t *testing.T) {
	mission := &models.Mission{Name: "Operation Sahel", Status: models.MissionAborted, Debrief: "Column withdrew."}
	tests := []struct {
		name      string
		notice    hub.Notice
		wantOK    bool
		wantTitle string
		wantSev   string
	}{
		{"created", alertNotice(hub.NoticeAlertCreated), true, "Alert raised by RECO", "error"},
		{"validated", alertNotice(hub.NoticeAlertValidated), true, "Alert validated by PC", "warning"},
		{"dismissed", alertNotice(hub.NoticeAlertDismissed), true, "Alert dismissed by PC", "info"},
		{"enriched without enrichment", alertNotice(hub.NoticeAlertEnriched), false, "", ""},
		{"mission", hub.Notice{Kind: hub.NoticeMissionChanged, Actor: models.RoleCommand, Mission: mission}, true, "Operation Sahel: ABORTED", "error"},
		{"debrief", hub.Notice{Kind: hub.NoticeDebriefReady, Mission: mission}, true, "Operation Sahel debrief", "error"},
		{"mission nil", hub.Notice{Kind: hub.NoticeMissionChanged}, false, "", ""},
		{"joined", hub.Notice{Kind: hub.NoticeJoined}, false, "", ""},
		{"waypoints", hub.Notice{Kind: hub.NoticeWaypointsChange}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := FormatNotice(tt.notice)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", ev.Title, tt.wantTitle)
			}
			if ev.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", ev.Severity, tt.wantSev)
			}
			if ev.Color != severityColor(tt.wantSev) {
				t.Errorf("Color = %q", ev.Color)
			}
		})
	}
}

func TestFormatNotice_Enriched(t *testing.T) {
	n := alertNotice(hub.NoticeAlertEnriched)
	n.Alert.Enrichment = &models.Enrichment{
		Category:       "hostile",
		ThreatLevel:    "high",
		Description:    "armed pickup",
		Confidence:     0.82,
		Recommendation: "hold column",
	}
	ev, ok := FormatNotice(n)
	if !ok {
		t.Fatal("expected enriched alert to be forwarded")
	}
	if ev.Title != "Alert assessed: hostile" {
		t.Errorf("Title = %q", ev.Title)
	}
	if ev.Fields[1].Value != "82%" {
		t.Errorf("Confidence = %q, want 82%%", ev.Fields[1].Value)
	}
}

func TestFormatNotice_RouteChange(t *testing.T) {
	ev, ok := FormatNotice(hub.Notice{
		Kind: hub.NoticeRouteChanged,
		RouteChange: &models.RouteChange{
			Reason:        "bridge out",
			Justification: "Route service unavailable; using direct line.",
			PreviousRoute: []models.LatLng{{1, 1}, {2, 2}, {3, 3}},
			NewRoute:      []models.LatLng{{1, 1}, {3, 3}},
			TriggeredBy:   roleP(models.RoleCommand),
		},
	})
	if !ok {
		t.Fatal("expected route change to be forwarded")
	}
	if !strings.Contains(ev.Body, "direct line") {
		t.Errorf("Body = %q", ev.Body)
	}
	if ev.Fields[2].Value != "3 → 2" {
		t.Errorf("Points = %q", ev.Fields[2].Value)
	}
}

func TestFormatSitrep_NoMission(t *testing.T) {
	ev := FormatSitrep(Sitrep{Alerts: map[models.AlertStatus]int{}, At: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})
	if ev.Title != "Sitrep" || ev.Severity != "info" {
		t.Errorf("ev = %+v", ev)
	}
	if ev.Fields[0].Value != "none" {
		t.Errorf("units = %q, want none", ev.Fields[0].Value)
	}
	if ev.Body != "As of 2026-03-01T09:00:00Z" {
		t.Errorf("Body = %q", ev.Body)
	}
}
