package report

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Header names of the upload protocol. Values are opaque tokens and are
// set on the header map verbatim, without canonicalization.
const (
	HeaderReportID          = "stacksift-report-id"
	HeaderPlatform          = "stacksift-platform"
	HeaderContentType       = "Content-Type"
	HeaderAPIKey            = "stacksift-api-key"
	HeaderAppIdentifier     = "stacksift-app-identifier"
	HeaderInstallIdentifier = "stacksift-install-identifier"
)

// DefaultRequestTimeout bounds a single upload attempt.
const DefaultRequestTimeout = 10 * time.Second

// UploadRequest is the wire-level description of one report upload. The
// body is the artifact file, streamed by the transport.
type UploadRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Timeout time.Duration
}

// Get returns the value of a header set by the builder.
func (r UploadRequest) Get(name string) string {
	if values := r.Header[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// RequestBuilder assembles upload requests.
type RequestBuilder struct {
	// Platform is the platform tag; empty means runtime.GOOS.
	Platform string
	// ResolveAppIdentifier is consulted when the configuration carries no
	// app identifier. Nil means DefaultAppIdentifier.
	ResolveAppIdentifier func() string
}

// Build returns a PUT request to the configured endpoint for id. It fails
// with *ConfigurationError when the API key is empty, the endpoint is not
// an absolute http(s) URL, or the app identifier cannot be determined.
func (b RequestBuilder) Build(cfg Configuration, id UploadIdentifier) (UploadRequest, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return UploadRequest{}, &ConfigurationError{Field: "api key", Reason: "is empty"}
	}

	endpoint, err := url.ParseRequestURI(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return UploadRequest{}, &ConfigurationError{Field: "endpoint", Reason: "is not a valid URL", Err: err}
	}
	if (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return UploadRequest{}, &ConfigurationError{Field: "endpoint", Reason: "must be an absolute http(s) URL"}
	}

	appID := strings.TrimSpace(cfg.AppIdentifier)
	if appID == "" {
		appID = b.appIdentifier()
	}
	if appID == "" {
		return UploadRequest{}, &ConfigurationError{Field: "app identifier", Reason: "cannot be determined"}
	}

	header := http.Header{}
	header[HeaderReportID] = []string{id.ReportID()}
	header[HeaderPlatform] = []string{b.platform()}
	header[HeaderContentType] = []string{id.MIMEType()}
	header[HeaderAPIKey] = []string{cfg.APIKey}
	header[HeaderAppIdentifier] = []string{appID}
	if cfg.InstallIdentifier != nil {
		header[HeaderInstallIdentifier] = []string{*cfg.InstallIdentifier}
	}

	return UploadRequest{
		Method:  http.MethodPut,
		URL:     endpoint.String(),
		Header:  header,
		Timeout: DefaultRequestTimeout,
	}, nil
}

func (b RequestBuilder) platform() string {
	if b.Platform != "" {
		return b.Platform
	}
	return runtime.GOOS
}

func (b RequestBuilder) appIdentifier() string {
	if b.ResolveAppIdentifier != nil {
		return strings.TrimSpace(b.ResolveAppIdentifier())
	}
	return DefaultAppIdentifier()
}

// DefaultAppIdentifier derives an application identifier from the main
// module path of the running binary, falling back to the executable name.
func DefaultAppIdentifier() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
}
