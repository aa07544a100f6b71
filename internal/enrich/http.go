package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/zulandar/convoyops/internal/apperr"
	"github.com/zulandar/convoyops/internal/config"
	"github.com/zulandar/convoyops/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// StatusError is returned when a service answers with a non-200 status.
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enrich: %s: HTTP %d: %s", e.Service, e.StatusCode, e.Message)
}

// New builds the adapter set from configuration. Services without a URL
// get Disabled. When OAuth is configured, every request carries a
// client-credentials bearer token.
func New(ctx context.Context, cfg config.EnrichmentConfig) Set {
	client := newHTTPClient(ctx, cfg)
	var set Set
	if cfg.ClassifierURL != "" {
		set.Classifier = &HTTPClassifier{Endpoint: cfg.ClassifierURL, Client: client}
	}
	if cfg.RouteURL != "" {
		set.Router = &HTTPRouter{Endpoint: cfg.RouteURL, Client: client}
	}
	if cfg.NarrativeURL != "" {
		set.Narrator = &HTTPNarrator{Endpoint: cfg.NarrativeURL, Client: client}
	}
	return set.WithDefaults()
}

func newHTTPClient(ctx context.Context, cfg config.EnrichmentConfig) *http.Client {
	base := &http.Client{Timeout: cfg.Timeout}
	if !cfg.OAuth.Enabled() {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       cfg.OAuth.Scopes,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = cfg.Timeout
	return client
}

// HTTPClassifier posts images to a JSON classification endpoint.
type HTTPClassifier struct {
	Endpoint string
	Client   *http.Client
}

type classifyWire struct {
	Image    string  `json:"image"`
	MIMEType string  `json:"mime_type,omitempty"`
	Hint     string  `json:"hint,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type classifyResultWire struct {
	Category       string  `json:"category"`
	ThreatLevel    string  `json:"threat_level"`
	Description    string  `json:"description"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

func (c *HTTPClassifier) Classify(ctx context.Context, req ClassifyRequest) (*models.Enrichment, error) {
	if len(req.Image) == 0 {
		return nil, apperr.Unavailable("classifier", fmt.Errorf("empty image"))
	}
	wire := classifyWire{
		Image:    base64.StdEncoding.EncodeToString(req.Image),
		MIMEType: req.MIMEType,
		Hint:     string(req.Hint),
		Lat:      req.Lat,
		Lng:      req.Lng,
	}
	var out classifyResultWire
	if err := postJSON(ctx, c.Client, c.Endpoint, "classifier", wire, &out); err != nil {
		return nil, err
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		return nil, apperr.Unavailable("classifier", fmt.Errorf("confidence %v out of range", out.Confidence))
	}
	return &models.Enrichment{
		Category:       out.Category,
		ThreatLevel:    out.ThreatLevel,
		Description:    out.Description,
		Confidence:     out.Confidence,
		Recommendation: out.Recommendation,
	}, nil
}

// HTTPRouter asks a route geometry endpoint for the path between two
// points.
type HTTPRouter struct {
	Endpoint string
	Client   *http.Client
}

type routeWire struct {
	From models.LatLng `json:"from"`
	To   models.LatLng `json:"to"`
}

type routeResultWire struct {
	Points []models.LatLng `json:"points"`
}

func (r *HTTPRouter) Route(ctx context.Context, from, to models.LatLng) ([]models.LatLng, error) {
	var out routeResultWire
	if err := postJSON(ctx, r.Client, r.Endpoint, "route", routeWire{From: from, To: to}, &out); err != nil {
		return nil, err
	}
	if len(out.Points) < 2 {
		return nil, apperr.Unavailable("route", fmt.Errorf("got %d points, need at least 2", len(out.Points)))
	}
	for i, p := range out.Points {
		if !validLatLng(p) {
			return nil, apperr.Unavailable("route", fmt.Errorf("point %d (%v) is not a valid coordinate", i, p))
		}
	}
	return out.Points, nil
}

// HTTPNarrator asks a text generation endpoint for briefing or debrief
// prose.
type HTTPNarrator struct {
	Endpoint string
	Client   *http.Client
}

type narrativeWire struct {
	Kind  NarrativeKind `json:"kind"`
	Stats MissionStats  `json:"stats"`
}

type narrativeResultWire struct {
	Text string `json:"text"`
}

func (n *HTTPNarrator) Narrate(ctx context.Context, req NarrativeRequest) (string, error) {
	var out narrativeResultWire
	if err := postJSON(ctx, n.Client, n.Endpoint, "narrative", narrativeWire{Kind: req.Kind, Stats: req.Stats}, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", apperr.Unavailable("narrative", fmt.Errorf("empty %s", req.Kind))
	}
	return text, nil
}

// postJSON marshals body as JSON, POSTs it to endpoint and decodes the
// 200 response into out. Every failure wraps ErrEnrichmentUnavailable.
func postJSON(ctx context.Context, client *http.Client, endpoint, service string, body, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Unavailable(service, fmt.Errorf("marshaling request: %w", err))
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperr.Unavailable(service, fmt.Errorf("creating request: %w", err))
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := client.Do(httpRequest)
	if err != nil {
		return apperr.Unavailable(service, fmt.Errorf("sending request: %w", err))
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return apperr.Unavailable(service, readStatusError(service, httpResponse))
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(out); err != nil {
		return apperr.Unavailable(service, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// readStatusError extracts {"error":{"message":...}} or the raw body.
func readStatusError(service string, httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))
	var wireError struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		msg = wireError.Error.Message
	}
	return &StatusError{Service: service, StatusCode: httpResponse.StatusCode, Message: msg}
}

func validLatLng(p models.LatLng) bool {
	lat, lng := p.Lat(), p.Lng()
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
