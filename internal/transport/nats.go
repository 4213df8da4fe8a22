package transport

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/report"
)

// Headers added to relayed messages so a bridge can replay the request.
const (
	HeaderRelayMethod = "stacksift-relay-method"
	HeaderRelayURL    = "stacksift-relay-url"
)

// DefaultSubject is the subject reports are published on.
const DefaultSubject = "stacksift.reports"

// Publisher is the part of *nats.Conn used by NATSTransport.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

var _ Transport = (*NATSTransport)(nil)

// NATSTransport relays reports over NATS. Each artifact becomes one
// message whose headers are the upload request headers, copied verbatim.
// The local file is deleted once the message has been published.
type NATSTransport struct {
	publisher Publisher
	subject   string
	compress  bool
	logger    *slog.Logger
}

// NewNATSTransport wraps a connected publisher.
func NewNATSTransport(publisher Publisher, subject string, compress bool, logger *slog.Logger) *NATSTransport {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSTransport{
		publisher: publisher,
		subject:   subject,
		compress:  compress,
		logger:    logging.Ensure(logger).With("component", "transport.nats", "subject", subject),
	}
}

// Submit publishes the artifact. Any failure to read or publish is a
// rejected hand-off.
func (t *NATSTransport) Submit(path, reportID string, request report.UploadRequest) error {
	if t.publisher == nil {
		return rejected(reportID, errors.New("nats publisher is not configured"))
	}
	if err := preflight(path, request); err != nil {
		return rejected(reportID, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rejected(reportID, err)
	}

	header := nats.Header{}
	for name, values := range request.Header {
		header[name] = append([]string(nil), values...)
	}
	header[HeaderRelayMethod] = []string{request.Method}
	header[HeaderRelayURL] = []string{request.URL}

	if t.compress {
		data, err = compressBody(bytes.NewReader(data))
		if err != nil {
			return rejected(reportID, fmt.Errorf("compress report: %w", err))
		}
		header["Content-Encoding"] = []string{EncodingZstd}
	}

	msg := &nats.Msg{
		Subject: t.subject,
		Header:  header,
		Data:    data,
	}
	if err := t.publisher.PublishMsg(msg); err != nil {
		return rejected(reportID, fmt.Errorf("publish report: %w", err))
	}

	t.logger.Info("report relayed", "report_id", reportID, "bytes", len(data))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Error("failed to remove relayed report", "report_id", reportID, "error", err)
	}
	return nil
}

// DialNATS connects to url with the options the reporter relies on.
func DialNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("stacksift-reporter"),
		nats.MaxReconnects(-1),
	)
}
