// Package config turns a settings file into a running reporter. It is the
// only place where concrete stores, transports and capture mechanisms are
// chosen.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacksift/stacksift/internal/diagnostics"
	"github.com/stacksift/stacksift/internal/monitor"
	"github.com/stacksift/stacksift/internal/report"
	"github.com/stacksift/stacksift/internal/setup"
	"github.com/stacksift/stacksift/internal/transport"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Environment overrides applied by Load.
const (
	EnvAPIKey    = "STACKSIFT_API_KEY"
	EnvEndpoint  = "STACKSIFT_ENDPOINT"
	EnvInstallID = "STACKSIFT_INSTALL_ID"
	EnvReportDir = "STACKSIFT_REPORT_DIR"
)

// TransportSettings selects and tunes the report transport.
type TransportSettings struct {
	Kind      string        `yaml:"kind"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Compress  bool          `yaml:"compress"`
	NATSURL   string        `yaml:"nats_url,omitempty"`
	Subject   string        `yaml:"subject,omitempty"`
}

// Settings is the on-disk client configuration.
type Settings struct {
	APIKey            string `yaml:"api_key"`
	Endpoint          string `yaml:"endpoint"`
	InstallID         string `yaml:"install_id,omitempty"`
	AppIdentifier     string `yaml:"app_identifier,omitempty"`
	BackgroundUploads bool   `yaml:"background_uploads"`
	Monitor           string `yaml:"monitor"`
	ReportDir         string `yaml:"report_dir,omitempty"`

	DiagnosticsDir          string        `yaml:"diagnostics_dir,omitempty"`
	DiagnosticsPollInterval time.Duration `yaml:"diagnostics_poll_interval,omitempty"`

	Transport TransportSettings `yaml:"transport"`
}

// Defaults returns the settings used for anything a file leaves unset.
func Defaults() Settings {
	return Settings{
		Endpoint:                report.DefaultEndpoint,
		BackgroundUploads:       true,
		Monitor:                 monitor.InProcessOnly.String(),
		DiagnosticsPollInterval: diagnostics.DefaultPollInterval,
		Transport: TransportSettings{
			Kind:      TransportHTTP,
			Timeout:   report.DefaultRequestTimeout,
			Workers:   transport.DefaultWorkers,
			QueueSize: transport.DefaultQueueSize,
			Subject:   transport.DefaultSubject,
		},
	}
}

// Load reads settings from path on top of Defaults and applies environment
// overrides. An empty path yields the defaults plus environment.
func Load(path string) (Settings, error) {
	settings := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
			return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}

	settings.applyEnv()
	if settings.ReportDir == "" {
		settings.ReportDir = setup.DefaultReportDir(settings.appIdentifier())
	}
	return settings, nil
}

func (s *Settings) applyEnv() {
	s.APIKey = getEnv(EnvAPIKey, s.APIKey)
	s.Endpoint = getEnv(EnvEndpoint, s.Endpoint)
	s.InstallID = getEnv(EnvInstallID, s.InstallID)
	s.ReportDir = getEnv(EnvReportDir, s.ReportDir)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks the structural parts of the settings. The API key and
// endpoint are checked when requests are built, so a bad value there
// discards reports instead of preventing startup.
func (s Settings) Validate() error {
	var errs []error

	if _, err := monitor.ParseMode(s.Monitor); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.Transport.Kind) {
	case TransportHTTP, "":
	case TransportNATS:
		if strings.TrimSpace(s.Transport.NATSURL) == "" {
			errs = append(errs, errors.New("transport.nats_url is required for the nats transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport kind %q", s.Transport.Kind))
	}
	if s.Transport.Workers < 0 {
		errs = append(errs, errors.New("transport.workers must not be negative"))
	}
	if s.Transport.QueueSize < 0 {
		errs = append(errs, errors.New("transport.queue_size must not be negative"))
	}
	if s.Transport.Timeout < 0 {
		errs = append(errs, errors.New("transport.timeout must not be negative"))
	}
	if s.DiagnosticsPollInterval < 0 {
		errs = append(errs, errors.New("diagnostics_poll_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// ClientConfiguration returns the snapshot handed to the reporter.
func (s Settings) ClientConfiguration(logger *slog.Logger) (report.Configuration, error) {
	mode, err := monitor.ParseMode(s.Monitor)
	if err != nil {
		return report.Configuration{}, err
	}

	cfg := report.Configuration{
		APIKey:               s.APIKey,
		Endpoint:             s.Endpoint,
		AppIdentifier:        s.AppIdentifier,
		UseBackgroundUploads: s.BackgroundUploads,
		Monitor:              mode,
		Logger:               logger,
	}
	if s.InstallID != "" {
		cfg = cfg.WithInstallIdentifier(s.InstallID)
	}
	return cfg, nil
}

// Redacted returns a copy safe for printing.
func (s Settings) Redacted() Settings {
	if n := len(s.APIKey); n > 4 {
		s.APIKey = s.APIKey[:4] + strings.Repeat("*", n-4)
	} else if n > 0 {
		s.APIKey = strings.Repeat("*", n)
	}
	return s
}

// Marshal renders the settings as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func (s Settings) appIdentifier() string {
	if s.AppIdentifier != "" {
		return s.AppIdentifier
	}
	return report.DefaultAppIdentifier()
}
