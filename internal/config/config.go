// Package config provides YAML-based configuration loading for convoyops.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/convoyops/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level session configuration, loaded from convoy.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Mission    MissionConfig    `yaml:"mission"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Telegraph  TelegraphConfig  `yaml:"telegraph"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig holds HTTP and websocket listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	UploadDir      string   `yaml:"upload_dir"`
	SendBuffer     int      `yaml:"send_buffer"`
}

// DatabaseConfig selects and addresses the persistence backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// LatLng converts p to the model coordinate type.
func (p Point) LatLng() models.LatLng { return models.LatLng{p.Lat, p.Lng} }

// MissionConfig describes the mission created at bootstrap when the
// database holds none.
type MissionConfig struct {
	Name       string           `yaml:"name"`
	Start      Point            `yaml:"start"`
	Extraction Point            `yaml:"extraction"`
	Briefing   string           `yaml:"briefing"`
	Staging    map[string]Point `yaml:"staging"`
}

// VisibilityConfig tunes the fog-of-war filter.
type VisibilityConfig struct {
	RadiusM float64 `yaml:"radius_m"`
}

// EnrichmentConfig points at the third-party classification, route
// geometry and narrative services. Empty URLs disable a service.
type EnrichmentConfig struct {
	ClassifierURL string        `yaml:"classifier_url"`
	RouteURL      string        `yaml:"route_url"`
	NarrativeURL  string        `yaml:"narrative_url"`
	Timeout       time.Duration `yaml:"timeout"`
	OAuth         OAuthConfig   `yaml:"oauth"`
}

// OAuthConfig enables the client-credentials flow for enrichment calls.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether a token URL is configured.
func (o OAuthConfig) Enabled() bool { return o.TokenURL != "" }

// TelegraphConfig configures the outbound chat relay.
type TelegraphConfig struct {
	Platform   string `yaml:"platform"` // "slack", "discord" or empty
	BotToken   string `yaml:"bot_token"`
	ChannelID  string `yaml:"channel_id"`
	SitrepCron string `yaml:"sitrep_cron"`
}

// HistoryConfig bounds the in-memory position history.
type HistoryConfig struct {
	MaxPositionsPerRole int `yaml:"max_positions_per_role"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied,
// used when no config file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "uploads"
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 64
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "convoy.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "convoyops"
	}
	if c.Mission.Name == "" {
		c.Mission.Name = "Operation Convoy"
	}
	if c.Visibility.RadiusM == 0 {
		c.Visibility.RadiusM = 300
	}
	if c.Enrichment.Timeout == 0 {
		c.Enrichment.Timeout = 15 * time.Second
	}
	if c.History.MaxPositionsPerRole == 0 {
		c.History.MaxPositionsPerRole = 5000
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendBuffer < 0 {
		errs = append(errs, "server.send_buffer must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if !validPoint(c.Mission.Start) {
		errs = append(errs, "mission.start is not a valid coordinate")
	}
	if !validPoint(c.Mission.Extraction) {
		errs = append(errs, "mission.extraction is not a valid coordinate")
	}
	for role, p := range c.Mission.Staging {
		if _, err := models.ParseRole(role); err != nil {
			errs = append(errs, fmt.Sprintf("mission.staging: %v", err))
			continue
		}
		if !validPoint(p) {
			errs = append(errs, fmt.Sprintf("mission.staging.%s is not a valid coordinate", role))
		}
	}
	if c.Visibility.RadiusM < 0 || math.IsNaN(c.Visibility.RadiusM) {
		errs = append(errs, "visibility.radius_m must be positive")
	}
	if c.Enrichment.Timeout < 0 {
		errs = append(errs, "enrichment.timeout must be positive")
	}
	if c.Enrichment.OAuth.Enabled() && c.Enrichment.OAuth.ClientID == "" {
		errs = append(errs, "enrichment.oauth.client_id is required when token_url is set")
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack", "discord":
		if c.Telegraph.BotToken == "" {
			errs = append(errs, "telegraph.bot_token is required")
		}
		if c.Telegraph.ChannelID == "" {
			errs = append(errs, "telegraph.channel_id is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	if c.Telegraph.SitrepCron != "" {
		if _, err := cron.ParseStandard(c.Telegraph.SitrepCron); err != nil {
			errs = append(errs, fmt.Sprintf("telegraph.sitrep_cron: %v", err))
		}
	}
	if c.History.MaxPositionsPerRole < 0 {
		errs = append(errs, "history.max_positions_per_role must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StagingPoint returns the configured staging coordinate for role,
// falling back to the mission start point.
func (c *Config) StagingPoint(role models.Role) Point {
	if p, ok := c.Mission.Staging[string(role)]; ok {
		return p
	}
	return c.Mission.Start
}

func validPoint(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
