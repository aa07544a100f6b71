package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/logging"
	"github.com/zulandar/convoyops/internal/models"
)

// Disabled is the adapter used when a service is not configured. Every
// call fails immediately with ErrEnrichmentUnavailable.
type Disabled struct{}

func (Disabled) Classify(context.Context, ClassifyRequest) (*models.Enrichment, error) {
	return nil, apperr.Unavailable("classifier", fmt.Errorf("not configured"))
}

func (Disabled) Route(context.Context, models.LatLng, models.LatLng) ([]models.LatLng, error) {
	return nil, apperr.Unavailable("route", fmt.Errorf("not configured"))
}

func (Disabled) Narrate(context.Context, NarrativeRequest) (string, error) {
	return "", apperr.Unavailable("narrative", fmt.Errorf("not configured"))
}

// ClassifyOrNil returns the classification for req, or nil when the
// classifier fails. Failures are logged, never returned.
func ClassifyOrNil(ctx context.Context, c Classifier, req ClassifyRequest, log *slog.Logger) *models.Enrichment {
	log = logging.OrDefault(log)
	if c == nil || len(req.Image) == 0 {
		return nil
	}
	e, err := c.Classify(ctx, req)
	if err != nil {
		log.Warn("enrich: classification unavailable, alert stays unenriched", "err", err)
		return nil
	}
	return e
}

// RouteOrDirect returns the route from the provider, or the direct
// two-point line when it fails. direct reports whether the fallback was
// used.
func RouteOrDirect(ctx context.Context, r RouteProvider, from, to models.LatLng, log *slog.Logger) (route []models.LatLng, direct bool) {
	log = logging.OrDefault(log)
	if r != nil {
		pts, err := r.Route(ctx, from, to)
		if err == nil {
			return pts, false
		}
		log.Warn("enrich: route geometry unavailable, using direct line", "err", err)
	}
	return DirectRoute(from, to), true
}

// DirectRoute is the straight two-point route from one point to another.
func DirectRoute(from, to models.LatLng) []models.LatLng {
	return []models.LatLng{from, to}
}

// NarrateOrPlaceholder returns generated prose, or a placeholder when the
// narrator fails.
func NarrateOrPlaceholder(ctx context.Context, n Narrator, req NarrativeRequest, log *slog.Logger) (text string, placeholder bool) {
	log = logging.OrDefault(log)
	if n != nil {
		out, err := n.Narrate(ctx, req)
		if err == nil && strings.TrimSpace(out) != "" {
			return out, false
		}
		if err == nil {
			err = fmt.Errorf("empty %s", req.Kind)
		}
		log.Warn("enrich: narrative unavailable, using placeholder", "kind", req.Kind, "err", err)
	}
	if req.Fallback != "" {
		return req.Fallback, true
	}
	return Placeholder(req), true
}

// PendingDebrief is stored on a completed mission until the narrative
// service answers.
const PendingDebrief = "Debrief pending."

// Placeholder renders the built-in fallback text for req.
func Placeholder(req NarrativeRequest) string {
	s := req.Stats
	switch req.Kind {
	case KindBriefing:
		return fmt.Sprintf("%s: proceed from the start point (%.5f, %.5f) to extraction (%.5f, %.5f). "+
			"Report obstacles and hostile contacts to the command post.",
			orDefault(s.Name, "Mission"), s.Start.Lat(), s.Start.Lng(), s.Extraction.Lat(), s.Extraction.Lng())
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s.", orDefault(s.Name, "Mission"), strings.ToLower(orDefault(s.Status, "ended")))
		if s.DurationSeconds > 0 {
			fmt.Fprintf(&b, " Duration %d min.", int64(math.Round(float64(s.DurationSeconds)/60)))
		}
		fmt.Fprintf(&b, " Alerts: %d (%d validated, %d dismissed, %d pending).",
			s.AlertsTotal, s.AlertsValidated, s.AlertsDismissed, s.AlertsPending)
		fmt.Fprintf(&b, " Route changes: %d.", s.RouteChanges)
		b.WriteString(" Narrative debrief unavailable.")
		return b.String()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
