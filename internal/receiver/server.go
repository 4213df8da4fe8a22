// Package receiver is a development ingest endpoint speaking the upload
// protocol. It stores every accepted report as <report-id>.<ext> in a
// directory, which makes it usable as a local collector when testing
// clients or relays.
package receiver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacksift/stacksift/internal/artifacts"
	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/metrics"
	"github.com/stacksift/stacksift/internal/report"
	"github.com/stacksift/stacksift/internal/transport"
)

// DefaultMaxBodyBytes limits a single report body.
const DefaultMaxBodyBytes = 32 << 20

var reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Sink stores received reports.
type Sink interface {
	Write(id string, kind artifacts.Kind, data []byte) (artifacts.Artifact, error)
}

// Server routes the ingest API.
type Server struct {
	r        *chi.Mux
	sink     Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	maxBytes int64
	// apiKeys restricts accepted keys when non-empty.
	apiKeys map[string]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKeys only accepts reports carrying one of keys.
func WithAPIKeys(keys ...string) Option {
	return func(s *Server) {
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				s.apiKeys[key] = struct{}{}
			}
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// NewServer returns a server storing reports in sink.
func NewServer(sink Sink, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		r:        chi.NewRouter(),
		sink:     sink,
		metrics:  m,
		logger:   logging.Ensure(logger).With("component", "receiver"),
		maxBytes: DefaultMaxBodyBytes,
		apiKeys:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.r.Put("/v1/reports", s.putReport)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) putReport(w http.ResponseWriter, r *http.Request) {
	reportID := header(r, report.HeaderReportID)
	apiKey := header(r, report.HeaderAPIKey)
	contentType := header(r, report.HeaderContentType)

	switch {
	case reportID == "" || apiKey == "" || contentType == "":
		http.Error(w, "missing report id, api key or content type", http.StatusBadRequest)
		return
	case !reportIDPattern.MatchString(reportID):
		http.Error(w, "malformed report id", http.StatusBadRequest)
		return
	}
	if len(s.apiKeys) > 0 {
		if _, ok := s.apiKeys[apiKey]; !ok {
			http.Error(w, "unknown api key", http.StatusForbidden)
			return
		}
	}

	body, err := s.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "report too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	kind := artifacts.KindForMIMEType(contentType)
	stored, err := s.sink.Write(reportID, kind, body)
	if err != nil {
		s.logger.Error("failed to store report", "report_id", reportID, "error", err)
		http.Error(w, "failed to store report", http.StatusInternalServerError)
		return
	}

	s.metrics.IncReceived(kind.String())
	s.logger.Info("report received",
		"report_id", reportID,
		"kind", kind.String(),
		"bytes", len(body),
		"platform", header(r, report.HeaderPlatform),
		"app", header(r, report.HeaderAppIdentifier),
		"install", header(r, report.HeaderInstallIdentifier),
		"path", stored.Path,
	)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, s.maxBytes)
	defer body.Close()

	if strings.EqualFold(r.Header.Get("Content-Encoding"), transport.EncodingZstd) {
		data, err := transport.DecompressBody(body, s.maxBytes+1)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > s.maxBytes {
			return nil, &http.MaxBytesError{Limit: s.maxBytes}
		}
		return data, nil
	}
	return io.ReadAll(body)
}

// header looks up name verbatim, then canonicalized.
func header(r *http.Request, name string) string {
	if values := r.Header[name]; len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return strings.TrimSpace(r.Header.Get(name))
}
