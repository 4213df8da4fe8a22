package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/stacksift/stacksift/internal/artifacts"
	"github.com/stacksift/stacksift/internal/capture"
	"github.com/stacksift/stacksift/internal/diagnostics"
	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/metrics"
	"github.com/stacksift/stacksift/internal/monitor"
	"github.com/stacksift/stacksift/internal/pipeline"
	"github.com/stacksift/stacksift/internal/receiver"
	"github.com/stacksift/stacksift/internal/report"
	"github.com/stacksift/stacksift/internal/repositories/local"
	"github.com/stacksift/stacksift/internal/setup"
	"github.com/stacksift/stacksift/internal/transport"
)

// Client bundles a reporter with the collaborators built for it.
type Client struct {
	Settings Settings
	Store    *local.ReportDirectory
	Capture  *capture.Monitor
	Metrics  *metrics.Metrics
	Reporter *pipeline.Reporter

	base      *slog.Logger
	logger    *slog.Logger
	transport transport.Transport
	conn      *nats.Conn
}

// New validates settings and wires a client. Nothing is swept or armed
// until Start.
func New(settings Settings, logger *slog.Logger) (*Client, error) {
	base := logging.Ensure(logger)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if err := setup.EnsureDir(settings.ReportDir); err != nil {
		return nil, fmt.Errorf("prepare report directory: %w", err)
	}

	c := &Client{
		Settings: settings,
		Store:    &local.ReportDirectory{BaseDir: settings.ReportDir},
		Capture:  capture.NewMonitor(base),
		Metrics:  metrics.New(),
		base:     base,
		logger:   base.With("component", "config.client"),
	}

	if err := c.buildTransport(); err != nil {
		return nil, err
	}

	var (
		source diagnostics.Source
		probe  monitor.Probe
	)
	if settings.DiagnosticsDir != "" {
		dirSource := diagnostics.NewDirectorySource(settings.DiagnosticsDir, settings.DiagnosticsPollInterval, base)
		source = dirSource
		probe = dirSource.Available
	}

	reporter, err := pipeline.New(pipeline.Options{
		Store:       c.Store,
		Transport:   c.transport,
		Capture:     c.Capture,
		Diagnostics: source,
		Probe:       probe,
		Metrics:     c.Metrics,
		Logger:      base,
	})
	if err != nil {
		c.Close(context.Background())
		return nil, err
	}
	c.Reporter = reporter
	return c, nil
}

func (c *Client) buildTransport() error {
	ts := c.Settings.Transport

	switch strings.ToLower(ts.Kind) {
	case TransportNATS:
		conn, err := transport.DialNATS(ts.NATSURL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		c.conn = conn
		c.transport = transport.NewNATSTransport(conn, ts.Subject, ts.Compress, c.base)
	default:
		c.transport = transport.NewHTTPTransport(transport.HTTPOptions{
			Client:     &http.Client{Timeout: ts.Timeout},
			Logger:     c.base,
			Background: c.Settings.BackgroundUploads,
			Workers:    ts.Workers,
			QueueSize:  ts.QueueSize,
			Compress:   ts.Compress,
		})
	}
	return nil
}

// Start sweeps the report directory and arms capture with the client
// configuration derived from the settings.
func (c *Client) Start(ctx context.Context) error {
	cfg, err := c.Settings.ClientConfiguration(c.base)
	if err != nil {
		return err
	}
	c.Reporter.Start(ctx, cfg)
	return nil
}

// Sweep processes pending reports once without arming any capture
// mechanism.
func (c *Client) Sweep(ctx context.Context) error {
	cfg, err := c.Settings.ClientConfiguration(c.base)
	if err != nil {
		return err
	}

	// System diagnostics with no probe resolves to no capture mechanism,
	// so a one-shot sweep leaves no empty crash log behind.
	cfg.Monitor = monitor.SystemDiagnosticsOnly
	reporter, err := pipeline.New(pipeline.Options{
		Store:     c.Store,
		Transport: c.transport,
		Metrics:   c.Metrics,
		Logger:    c.base,
	})
	if err != nil {
		return err
	}
	reporter.Start(ctx, cfg)
	reporter.Stop()
	return nil
}

// Purge deletes every pending report without uploading it.
func (c *Client) Purge() error {
	c.logger.Info("purging report directory", "dir", c.Store.BaseDir)
	return c.Store.Clear()
}

// UsingBackgroundUploads reports whether uploads run on a background queue.
func (c *Client) UsingBackgroundUploads() bool {
	return c.Reporter.UsingBackgroundUploads()
}

// Close stops the reporter and flushes the transport. Queued uploads are
// given until ctx is done.
func (c *Client) Close(ctx context.Context) error {
	if c.Reporter != nil {
		c.Reporter.Stop()
	}

	var errs []error
	if c.Capture != nil {
		errs = append(errs, c.Capture.Close())
	}
	if closer, ok := c.transport.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, closer.Close(ctx))
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Drain())
	}
	return errors.Join(errs...)
}

// NewReceiver builds the development ingest server storing reports in dir.
func NewReceiver(dir string, apiKeys []string, logger *slog.Logger) (*receiver.Server, error) {
	if err := setup.EnsureDir(dir); err != nil {
		return nil, err
	}
	return receiver.NewServer(&local.ReportDirectory{BaseDir: dir}, metrics.New(), logger, receiver.WithAPIKeys(apiKeys...)), nil
}

// Inspection describes how a single artifact would be handled.
type Inspection struct {
	ReportID    string
	Extension   string
	MIMEType    string
	Interesting bool
}

// Inspect classifies the artifact at path without submitting it.
func Inspect(path string) Inspection {
	id := report.IdentifierFromPath(path)
	return Inspection{
		ReportID:    id.ReportID(),
		Extension:   id.FileExtension(),
		MIMEType:    id.MIMEType(),
		Interesting: report.IsInteresting(&local.ReportDirectory{}, artifacts.FromPath(path)),
	}
}
