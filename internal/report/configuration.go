// Package report holds the pure parts of the report lifecycle: the client
// configuration snapshot, upload identifiers, the noise classifier and
// upload request assembly.
package report

import (
	"log/slog"

	"github.com/stacksift/stacksift/internal/monitor"
)

// DefaultEndpoint is where reports are uploaded unless configured otherwise.
const DefaultEndpoint = "https://reports.stacksift.io/v1/reports"

// Configuration is the client configuration snapshot taken by Start. It is
// passed by value and must not be mutated after it has been handed over.
type Configuration struct {
	// APIKey is the organization key sent with every report.
	APIKey string
	// Endpoint is the upload URL.
	Endpoint string
	// InstallIdentifier optionally identifies this installation.
	InstallIdentifier *string
	// AppIdentifier identifies the application. When empty it is derived
	// from the running binary.
	AppIdentifier string
	// UseBackgroundUploads requests the queued, background upload path.
	UseBackgroundUploads bool
	// Monitor selects the capture mechanisms.
	Monitor monitor.Mode
	// Logger is the logging sink; nil means slog.Default().
	Logger *slog.Logger
}

// NewConfiguration returns a configuration with the default endpoint,
// background uploads and in-process monitoring.
func NewConfiguration(apiKey string) Configuration {
	return Configuration{
		APIKey:               apiKey,
		Endpoint:             DefaultEndpoint,
		UseBackgroundUploads: true,
		Monitor:              monitor.InProcessOnly,
	}
}

// WithInstallIdentifier returns a copy of c carrying id.
func (c Configuration) WithInstallIdentifier(id string) Configuration {
	c.InstallIdentifier = &id
	return c
}
