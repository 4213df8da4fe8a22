// Package pipeline runs the report lifecycle. On Start it sweeps the report
// directory, dropping noise and handing interesting artifacts to the
// transport, then arms the capture mechanisms selected by the monitor
// policy so that new artifacts follow the same path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacksift/stacksift/internal/artifacts"
	"github.com/stacksift/stacksift/internal/diagnostics"
	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/metrics"
	"github.com/stacksift/stacksift/internal/monitor"
	"github.com/stacksift/stacksift/internal/report"
	"github.com/stacksift/stacksift/internal/transport"
)

const (
	defaultDeliveryBuffer     = 4
	defaultPayloadConcurrency = 4
)

// CaptureMonitor is the in-process crash capture engine.
type CaptureMonitor interface {
	Configure(destination, identifier, organizationKey string, installIdentifier *string)
}

// Options are the collaborators of a Reporter. Store and Transport are
// required.
type Options struct {
	Store       artifacts.Store
	Transport   transport.Transport
	Capture     CaptureMonitor
	Diagnostics diagnostics.Source
	// Probe reports whether system diagnostics are available. Nil means
	// they never are.
	Probe   monitor.Probe
	Builder report.RequestBuilder
	Metrics *metrics.Metrics
	// Logger is used until a configuration supplies its own sink.
	Logger *slog.Logger
	// DeliveryBuffer bounds the number of diagnostics deliveries waiting
	// for the consumer.
	DeliveryBuffer int
	// PayloadConcurrency bounds how many payloads of one delivery are
	// processed at once.
	PayloadConcurrency int
}

// Reporter is the report lifecycle manager. Create one per process with New
// and pass it to whatever needs it.
type Reporter struct {
	store       artifacts.Store
	transport   transport.Transport
	capture     CaptureMonitor
	diagnostics diagnostics.Source
	probe       monitor.Probe
	builder     report.RequestBuilder
	metrics     *metrics.Metrics
	fallback    *slog.Logger

	deliveryBuffer     int
	payloadConcurrency int

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.RWMutex
	config  report.Configuration
	logger  *slog.Logger
	started bool
}

// New returns a Reporter. Nothing is swept or armed until Start.
func New(opts Options) (*Reporter, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: report store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("pipeline: transport is required")
	}

	probe := opts.Probe
	if probe == nil {
		probe = monitor.Never
	}
	buffer := opts.DeliveryBuffer
	if buffer <= 0 {
		buffer = defaultDeliveryBuffer
	}
	concurrency := opts.PayloadConcurrency
	if concurrency <= 0 {
		concurrency = defaultPayloadConcurrency
	}

	logger := logging.Ensure(opts.Logger).With("component", "pipeline")
	return &Reporter{
		store:              opts.Store,
		transport:          opts.Transport,
		capture:            opts.Capture,
		diagnostics:        opts.Diagnostics,
		probe:              probe,
		builder:            opts.Builder,
		metrics:            opts.Metrics,
		fallback:           logger,
		logger:             logger,
		deliveryBuffer:     buffer,
		payloadConcurrency: concurrency,
	}, nil
}

// Start installs cfg, sweeps the report directory and arms the capture
// mechanisms. Calling Start again replaces the configuration, cancels the
// previous diagnostics subscription and repeats the whole sequence.
// In-flight uploads are not affected. The subscription ends when ctx is
// done or Stop is called.
func (r *Reporter) Start(ctx context.Context, cfg report.Configuration) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.stopLocked()

	logger := r.fallback
	if cfg.Logger != nil {
		logger = cfg.Logger.With("component", "pipeline")
	}

	r.mu.Lock()
	r.config = cfg
	r.logger = logger
	r.started = true
	r.mu.Unlock()

	logger.Info("starting", "monitor", cfg.Monitor.String(), "background_uploads", r.UsingBackgroundUploads())
	if bc, ok := r.transport.(transport.BackgroundCapable); ok && bc.UsingBackgroundUploads() != cfg.UseBackgroundUploads {
		logger.Warn("upload mode is fixed when the transport is built; background preference ignored",
			"requested", cfg.UseBackgroundUploads,
			"active", bc.UsingBackgroundUploads(),
		)
	}

	r.Sweep()
	r.arm(ctx, cfg, logger)
}

// Stop cancels the diagnostics subscription and waits for the consumer to
// write out every delivery it has already received.
func (r *Reporter) Stop() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.stopLocked()
}

func (r *Reporter) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
}

// UsingBackgroundUploads reports whether the transport uploads on a
// background queue.
func (r *Reporter) UsingBackgroundUploads() bool {
	if bc, ok := r.transport.(transport.BackgroundCapable); ok {
		return bc.UsingBackgroundUploads()
	}
	return false
}

// Sweep processes every artifact currently in the report directory. A
// directory that cannot be listed is logged and treated as empty. Sweep
// does nothing before the first Start.
func (r *Reporter) Sweep() {
	logger := r.currentLogger()
	if _, ok := r.currentConfig(); !ok {
		logger.Warn("sweep requested before start")
		return
	}

	pending, err := r.store.List()
	if err != nil {
		r.metrics.IncDirectoryListFailure()
		logger.Error("failed to list report directory", "error", err)
		return
	}

	logger.Debug("sweeping report directory", "count", len(pending))
	for _, artifact := range pending {
		r.metrics.IncSwept()
		r.process(artifact)
	}
}

// Submit builds the upload request for artifact and hands it to the
// transport. It does not classify or delete. The error is a
// *report.ConfigurationError, a *transport.HandoffError, or ErrNotStarted.
func (r *Reporter) Submit(artifact artifacts.Artifact) error {
	cfg, ok := r.currentConfig()
	if !ok {
		return ErrNotStarted
	}

	id := report.IdentifierFromPath(artifact.Path)
	request, err := r.builder.Build(cfg, id)
	if err != nil {
		return err
	}

	if err := r.transport.Submit(artifact.Path, id.ReportID(), request); err != nil {
		var handoff *transport.HandoffError
		if errors.As(err, &handoff) {
			return err
		}
		return &transport.HandoffError{ReportID: id.ReportID(), Err: err}
	}
	return nil
}

// ErrNotStarted is returned by Submit before the first Start.
var ErrNotStarted = errors.New("pipeline: not started")

func (r *Reporter) process(artifact artifacts.Artifact) {
	logger := r.currentLogger().With("report_id", artifact.ID, "kind", artifact.Kind.String())

	if !report.IsInteresting(r.store, artifact) {
		logger.Debug("discarding uninteresting artifact")
		r.discard(logger, artifact, metrics.ReasonUninteresting)
		return
	}

	if err := r.Submit(artifact); err != nil {
		reason := metrics.ReasonHandoff
		var cfgErr *report.ConfigurationError
		if errors.As(err, &cfgErr) {
			reason = metrics.ReasonConfiguration
		}
		logger.Warn("failed to submit artifact", "error", err)
		r.discard(logger, artifact, reason)
		return
	}

	r.metrics.IncSubmitted(artifact.Kind.String())
	logger.Info("artifact handed off", "path", artifact.Path)
}

func (r *Reporter) discard(logger *slog.Logger, artifact artifacts.Artifact, reason string) {
	r.metrics.IncDiscarded(reason)
	if err := r.store.Remove(artifact); err != nil {
		logger.Error("failed to remove artifact", "path", artifact.Path, "error", err)
	}
}

func (r *Reporter) arm(ctx context.Context, cfg report.Configuration, logger *slog.Logger) {
	caps := monitor.ResolveWith(cfg.Monitor, r.probe)
	logger.Debug("resolved capture mechanisms", "capture", caps.CaptureEnabled, "diagnostics", caps.DiagnosticsEnabled)

	if caps.CaptureEnabled {
		if r.capture == nil {
			logger.Warn("in-process capture selected but no capture monitor configured")
		} else {
			id := artifacts.NewIdentifier()
			r.capture.Configure(r.store.PathFor(id, artifacts.KindLog), id, cfg.APIKey, cfg.InstallIdentifier)
		}
	}

	if caps.DiagnosticsEnabled {
		if r.diagnostics == nil {
			logger.Warn("system diagnostics selected but no diagnostics source configured")
			return
		}
		r.subscribe(ctx, logger)
	}
}

func (r *Reporter) subscribe(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	deliveries := make(chan [][]byte, r.deliveryBuffer)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer close(deliveries)
		if err := r.diagnostics.Subscribe(ctx, deliveries); err != nil {
			logger.Error("diagnostics subscription ended", "error", err)
		}
	}()
	// Batches still buffered after cancellation were already consumed from
	// the source, so the consumer drains the channel before exiting.
	go func() {
		defer r.wg.Done()
		for payloads := range deliveries {
			r.deliver(payloads)
		}
	}()

	logger.Info("subscribed to system diagnostics")
}

// deliver writes each payload as a new diagnostic artifact and processes it
// like a swept one.
func (r *Reporter) deliver(payloads [][]byte) {
	if len(payloads) == 0 {
		return
	}
	r.metrics.AddDiagnosticsPayloads(len(payloads))
	logger := r.currentLogger()

	var g errgroup.Group
	g.SetLimit(r.payloadConcurrency)
	for _, payload := range payloads {
		g.Go(func() error {
			artifact, err := r.store.Create(artifacts.KindDiagnostic, payload)
			if err != nil {
				logger.Error("failed to write diagnostics payload", "error", fmt.Errorf("create artifact: %w", err))
				return nil
			}
			r.process(artifact)
			return nil
		})
	}
	g.Wait()
}

func (r *Reporter) currentConfig() (report.Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config, r.started
}

func (r *Reporter) currentLogger() *slog.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}
