// Package enrich wraps the third-party services that add value to session
// state after the fact: image classification for alerts, route geometry
// between two points and narrative prose for briefings and debriefs.
//
// None of these services is on the critical path. Every adapter failure
// wraps apperr.ErrEnrichmentUnavailable, and the *Or* helpers in this
// package turn failures into the documented fallback values.
package enrich

import (
	"context"
	"time"

	"github.com/zulandar/convoyops/internal/models"
)

// ClassifyRequest is a single image submitted for classification.
type ClassifyRequest struct {
	Image    []byte
	MIMEType string
	Hint     models.AlertCategory // category chosen by the reporting unit
	Lat      float64
	Lng      float64
}

// Classifier labels an alert image.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*models.Enrichment, error)
}

// RouteProvider computes an ordered route between two coordinates.
type RouteProvider interface {
	Route(ctx context.Context, from, to models.LatLng) ([]models.LatLng, error)
}

// NarrativeKind selects the prose a Narrator produces.
type NarrativeKind string

const (
	KindBriefing NarrativeKind = "briefing"
	KindDebrief  NarrativeKind = "debrief"
)

// MissionStats is the structured summary a Narrator writes prose from.
type MissionStats struct {
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds  int64          `json:"duration_seconds"`
	AlertsTotal      int            `json:"alerts_total"`
	AlertsValidated  int            `json:"alerts_validated"`
	AlertsDismissed  int            `json:"alerts_dismissed"`
	AlertsPending    int            `json:"alerts_pending"`
	AlertsByCategory map[string]int `json:"alerts_by_category,omitempty"`
	RouteChanges     int            `json:"route_changes"`
	Waypoints        int            `json:"waypoints"`
	Units            []string       `json:"units,omitempty"`
	Start            models.LatLng  `json:"start"`
	Extraction       models.LatLng  `json:"extraction"`
}

// NarrativeRequest asks for briefing or debrief prose.
type NarrativeRequest struct {
	Kind  NarrativeKind
	Stats MissionStats
	// Fallback is returned by NarrateOrPlaceholder when the service fails.
	// Empty means the built-in placeholder for Kind.
	Fallback string
}

// Narrator generates briefing and debrief prose.
type Narrator interface {
	Narrate(ctx context.Context, req NarrativeRequest) (string, error)
}

// Set bundles the three adapters the session uses.
type Set struct {
	Classifier Classifier
	Router     RouteProvider
	Narrator   Narrator
}

// WithDefaults fills nil adapters with Disabled.
func (s Set) WithDefaults() Set {
	if s.Classifier == nil {
		s.Classifier = Disabled{}
	}
	if s.Router == nil {
		s.Router = Disabled{}
	}
	if s.Narrator == nil {
		s.Narrator = Disabled{}
	}
	return s
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req ClassifyRequest) (*models.Enrichment, error)

func (f ClassifierFunc) Classify(ctx context.Context, req ClassifyRequest) (*models.Enrichment, error) {
	return f(ctx, req)
}

// RouteFunc adapts a function to RouteProvider.
type RouteFunc func(ctx context.Context, from, to models.LatLng) ([]models.LatLng, error)

func (f RouteFunc) Route(ctx context.Context, from, to models.LatLng) ([]models.LatLng, error) {
	return f(ctx, from, to)
}

// NarratorFunc adapts a function to Narrator.
type NarratorFunc func(ctx context.Context, req NarrativeRequest) (string, error)

func (f NarratorFunc) Narrate(ctx context.Context, req NarrativeRequest) (string, error) {
	return f(ctx, req)
}
