package store

import "github.com/zulandar/convoyops/internal/models"

func cloneAlert(a models.Alert) models.Alert {
	if a.Enrichment != nil {
		e := *a.Enrichment
		a.Enrichment = &e
	}
	if a.Origin != nil {
		a.Origin = models.RolePtr(*a.Origin)
	}
	if a.ValidatedBy != nil {
		a.ValidatedBy = models.RolePtr(*a.ValidatedBy)
	}
	if a.ValidatedAt != nil {
		t := *a.ValidatedAt
		a.ValidatedAt = &t
	}
	return a
}

func cloneMission(m models.Mission) models.Mission {
	m.Route = cloneRoute(m.Route)
	return m
}

func cloneRouteChange(rc models.RouteChange) models.RouteChange {
	rc.PreviousRoute = cloneRoute(rc.PreviousRoute)
	rc.NewRoute = cloneRoute(rc.NewRoute)
	if rc.TriggeredBy != nil {
		rc.TriggeredBy = models.RolePtr(*rc.TriggeredBy)
	}
	return rc
}

func cloneRoute(r []models.LatLng) []models.LatLng {
	if r == nil {
		return nil
	}
	return append([]models.LatLng(nil), r...)
}
