package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stacksift/stacksift/internal/monitor"
	"github.com/stacksift/stacksift/internal/report"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stacksift.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvInstallID, "")
	t.Setenv(EnvReportDir, "")

	path := writeSettings(t, `
api_key: org-key
app_identifier: com.example.app
background_uploads: false
monitor: both
report_dir: /tmp/reports
diagnostics_dir: /tmp/spool
diagnostics_poll_interval: 5s
transport:
  kind: nats
  nats_url: nats://localhost:4222
  compress: true
`)

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Defaults()
	want.APIKey = "org-key"
	want.AppIdentifier = "com.example.app"
	want.BackgroundUploads = false
	want.Monitor = "both"
	want.ReportDir = "/tmp/reports"
	want.DiagnosticsDir = "/tmp/spool"
	want.DiagnosticsPollInterval = 5 * time.Second
	want.Transport.Kind = TransportNATS
	want.Transport.NATSURL = "nats://localhost:4222"
	want.Transport.Compress = true

	if diff := cmp.Diff(want, settings); diff != "" {
		t.Fatalf("Load() mismatch (-want +got):\n%s", diff)
	}
	if err := settings.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvEndpoint, "https://collector.example.com/v1/reports")
	t.Setenv(EnvInstallID, "install-9")
	t.Setenv(EnvReportDir, dir)

	settings, err := Load(writeSettings(t, "api_key: file-key\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.APIKey != "env-key" || settings.Endpoint != "https://collector.example.com/v1/reports" ||
		settings.InstallID != "install-9" || settings.ReportDir != dir {
		t.Fatalf("Load() = %+v, want environment values", settings)
	}
}

func TestLoadDefaultsReportDir(t *testing.T) {
	t.Setenv(EnvReportDir, "")

	settings, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Base(settings.ReportDir) != "Impact" {
		t.Fatalf("ReportDir = %q, want default under Impact", settings.ReportDir)
	}
	if !settings.BackgroundUploads || settings.Endpoint != report.DefaultEndpoint || settings.Monitor != "in-process" {
		t.Fatalf("Load(\"\") = %+v, want defaults", settings)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := Load(writeSettings(t, "api_kee: typo\n")); err == nil {
		t.Fatal("Load() error = nil, want unknown field error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() error = nil, want missing file error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{name: "unknown monitor", mutate: func(s *Settings) { s.Monitor = "sometimes" }, want: "sometimes"},
		{name: "unknown transport", mutate: func(s *Settings) { s.Transport.Kind = "carrier-pigeon" }, want: "carrier-pigeon"},
		{name: "nats without url", mutate: func(s *Settings) { s.Transport.Kind = TransportNATS }, want: "nats_url"},
		{name: "negative workers", mutate: func(s *Settings) { s.Transport.Workers = -1 }, want: "workers"},
		{name: "negative poll interval", mutate: func(s *Settings) { s.DiagnosticsPollInterval = -time.Second }, want: "diagnostics_poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			settings := Defaults()
			tt.mutate(&settings)
			err := settings.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}

	// An empty API key is not a startup error.
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
}

func TestClientConfiguration(t *testing.T) {
	t.Parallel()

	settings := Defaults()
	settings.APIKey = "org-key"
	settings.Monitor = "system-diagnostics-fallback"

	cfg, err := settings.ClientConfiguration(nil)
	if err != nil {
		t.Fatalf("ClientConfiguration() error = %v", err)
	}
	if cfg.Monitor != monitor.SystemDiagnosticsWithFallback || cfg.InstallIdentifier != nil || !cfg.UseBackgroundUploads {
		t.Fatalf("ClientConfiguration() = %+v", cfg)
	}

	settings.InstallID = "install-1"
	cfg, err = settings.ClientConfiguration(nil)
	if err != nil {
		t.Fatalf("ClientConfiguration() error = %v", err)
	}
	if cfg.InstallIdentifier == nil || *cfg.InstallIdentifier != "install-1" {
		t.Fatalf("InstallIdentifier = %v, want install-1", cfg.InstallIdentifier)
	}
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	settings := Defaults()
	settings.APIKey = "abcdefgh"
	if got := settings.Redacted().APIKey; got != "abcd****" {
		t.Fatalf("Redacted().APIKey = %q", got)
	}
	settings.APIKey = "abc"
	if got := settings.Redacted().APIKey; got != "***" {
		t.Fatalf("Redacted().APIKey = %q", got)
	}
	if settings.APIKey != "abc" {
		t.Fatal("Redacted() modified the receiver")
	}
}
