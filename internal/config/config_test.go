package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/convoyops/internal/models"
)

const fullYAML = `
server:
  port: 9090
  allowed_origins: ["https://ops.local"]
  upload_dir: /var/lib/convoy/uploads
  send_buffer: 128

database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: ops
  password: secret
  name: convoy_alpha

mission:
  name: Operation Sahel
  start: {lat: 17.42, lng: -4.18}
  extraction: {lat: 17.61, lng: -4.02}
  briefing: Escort the supply column to the extraction point.
  staging:
    CONVOY_1: {lat: 17.420, lng: -4.180}
    RECO: {lat: 17.450, lng: -4.150}

visibility:
  radius_m: 450

enrichment:
  classifier_url: https://ai.local/classify
  route_url: https://routes.local/route
  narrative_url: https://ai.local/narrate
  timeout: 5s
  oauth:
    token_url: https://auth.local/token
    client_id: convoy
    client_secret: s3cret
    scopes: ["enrich"]

telegraph:
  platform: slack
  bot_token: xoxb-test
  channel_id: C123
  sitrep_cron: "*/30 * * * *"

history:
  max_positions_per_role: 100
`

const minimalYAML = `
mission:
  start: {lat: 17.42, lng: -4.18}
  extraction: {lat: 17.61, lng: -4.02}
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://ops.local" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.SendBuffer != 128 {
		t.Errorf("Server.SendBuffer = %d, want 128", cfg.Server.SendBuffer)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %s:%d, want 10.0.0.5:3307", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "convoy_alpha" {
		t.Errorf("Database.Name = %q", cfg.Database.Name)
	}
	if cfg.Mission.Name != "Operation Sahel" {
		t.Errorf("Mission.Name = %q", cfg.Mission.Name)
	}
	if cfg.Mission.Start.Lat != 17.42 || cfg.Mission.Start.Lng != -4.18 {
		t.Errorf("Mission.Start = %+v", cfg.Mission.Start)
	}
	if len(cfg.Mission.Staging) != 2 {
		t.Errorf("len(Mission.Staging) = %d, want 2", len(cfg.Mission.Staging))
	}
	if cfg.Visibility.RadiusM != 450 {
		t.Errorf("Visibility.RadiusM = %v, want 450", cfg.Visibility.RadiusM)
	}
	if cfg.Enrichment.Timeout != 5*time.Second {
		t.Errorf("Enrichment.Timeout = %v, want 5s", cfg.Enrichment.Timeout)
	}
	if !cfg.Enrichment.OAuth.Enabled() {
		t.Error("Enrichment.OAuth should be enabled")
	}
	if cfg.Telegraph.Platform != "slack" || cfg.Telegraph.SitrepCron != "*/30 * * * *" {
		t.Errorf("Telegraph = %+v", cfg.Telegraph)
	}
	if cfg.History.MaxPositionsPerRole != 100 {
		t.Errorf("History.MaxPositionsPerRole = %d", cfg.History.MaxPositionsPerRole)
	}
}

func TestParse_MinimalConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.UploadDir != "uploads" {
		t.Errorf("Server.UploadDir = %q, want uploads", cfg.Server.UploadDir)
	}
	if cfg.Server.SendBuffer != 64 {
		t.Errorf("Server.SendBuffer = %d, want 64", cfg.Server.SendBuffer)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != "convoy.db" {
		t.Errorf("Database.Path = %q, want convoy.db", cfg.Database.Path)
	}
	if cfg.Database.Port != 3306 || cfg.Database.User != "root" || cfg.Database.Name != "convoyops" {
		t.Errorf("Database defaults = %+v", cfg.Database)
	}
	if cfg.Visibility.RadiusM != 300 {
		t.Errorf("Visibility.RadiusM = %v, want 300", cfg.Visibility.RadiusM)
	}
	if cfg.Enrichment.Timeout != 15*time.Second {
		t.Errorf("Enrichment.Timeout = %v, want 15s", cfg.Enrichment.Timeout)
	}
	if cfg.History.MaxPositionsPerRole != 5000 {
		t.Errorf("History.MaxPositionsPerRole = %d, want 5000", cfg.History.MaxPositionsPerRole)
	}
	if cfg.Mission.Name == "" {
		t.Error("Mission.Name should have a default")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad driver",
			yaml: "database: {driver: postgres}",
			want: `database.driver "postgres"`,
		},
		{
			name: "bad staging role",
			yaml: "mission: {staging: {TANK: {lat: 1, lng: 1}}}",
			want: `unknown role "TANK"`,
		},
		{
			name: "latitude out of range",
			yaml: "mission: {start: {lat: 91, lng: 0}}",
			want: "mission.start is not a valid coordinate",
		},
		{
			name: "bad platform",
			yaml: "telegraph: {platform: irc}",
			want: `telegraph.platform "irc"`,
		},
		{
			name: "slack without token",
			yaml: "telegraph: {platform: slack, channel_id: C1}",
			want: "telegraph.bot_token is required",
		},
		{
			name: "bad cron",
			yaml: "telegraph: {sitrep_cron: 'every tuesday'}",
			want: "telegraph.sitrep_cron",
		},
		{
			name: "oauth without client",
			yaml: "enrichment: {oauth: {token_url: https://auth.local/token}}",
			want: "enrichment.oauth.client_id is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_AggregatesErrors(t *testing.T) {
	_, err := Parse([]byte("database: {driver: oracle}\ntelegraph: {platform: irc}"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config: validation failed: ") {
		t.Errorf("error = %q, want validation prefix", msg)
	}
	if strings.Count(msg, "; ") < 1 {
		t.Errorf("error = %q, want multiple errors joined", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convoy.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mission.Extraction.Lat != 17.61 {
		t.Errorf("Mission.Extraction.Lat = %v", cfg.Mission.Extraction.Lat)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestStagingPoint_FallsBackToStart(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatal(err)
	}
	if p := cfg.StagingPoint(models.RoleReco); p.Lat != 17.45 {
		t.Errorf("RECO staging = %+v, want lat 17.45", p)
	}
	if p := cfg.StagingPoint(models.RoleConvoy3); p != cfg.Mission.Start {
		t.Errorf("CONVOY_3 staging = %+v, want mission start", p)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 || cfg.Visibility.RadiusM != 300 {
		t.Errorf("Default() = %+v", cfg)
	}
}
