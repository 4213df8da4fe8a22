package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacksift/stacksift/internal/logging"
	"github.com/stacksift/stacksift/internal/report"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

var _ Transport = (*HTTPTransport)(nil)
var _ BackgroundCapable = (*HTTPTransport)(nil)

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	Client *http.Client
	Logger *slog.Logger
	// Background queues uploads onto a fixed pool of workers. When false,
	// each accepted hand-off gets its own upload goroutine. Submit never
	// waits for the network in either mode.
	Background bool
	Workers    int
	QueueSize  int
	// Compress sends zstd-encoded bodies with Content-Encoding: zstd.
	Compress bool
}

type upload struct {
	path     string
	reportID string
	request  report.UploadRequest
}

// HTTPTransport uploads artifacts with one HTTP request each. A successful
// or permanently rejected upload deletes the local file. Transient failures
// and hand-offs that find the queue full leave it in place for the next
// sweep.
type HTTPTransport struct {
	client     *http.Client
	logger     *slog.Logger
	background bool
	compress   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	queue    chan upload
	workers  errgroup.Group
}

// NewHTTPTransport constructs the transport and, in background mode,
// starts its workers.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTPTransport{
		client:     client,
		logger:     logging.Ensure(opts.Logger).With("component", "transport.http"),
		background: opts.Background,
		compress:   opts.Compress,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}

	if t.background {
		t.queue = make(chan upload, queueSize)
		for i := 0; i < workers; i++ {
			t.workers.Go(func() error {
				for job := range t.queue {
					t.upload(job)
				}
				return nil
			})
		}
	}
	return t
}

// UsingBackgroundUploads reports whether uploads run on the background queue.
func (t *HTTPTransport) UsingBackgroundUploads() bool {
	return t.background
}

// Submit validates the hand-off and schedules the upload. Submitting a
// report that is already in flight is accepted as a no-op, and so is a
// background hand-off that finds the queue full: the file stays on disk for
// the next sweep.
func (t *HTTPTransport) Submit(path, reportID string, request report.UploadRequest) error {
	if err := preflight(path, request); err != nil {
		return rejected(reportID, err)
	}

	job := upload{path: path, reportID: reportID, request: request}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rejected(reportID, ErrClosed)
	}
	if _, ok := t.inflight[reportID]; ok {
		t.logger.Debug("report already in flight", "report_id", reportID)
		return nil
	}

	if !t.background {
		t.inflight[reportID] = struct{}{}
		t.workers.Go(func() error {
			t.upload(job)
			return nil
		})
		return nil
	}

	select {
	case t.queue <- job:
		t.inflight[reportID] = struct{}{}
	default:
		t.logger.Warn("upload queue full; report kept for next sweep", "report_id", reportID, "path", path)
	}
	return nil
}

// Close stops accepting hand-offs and waits for scheduled uploads. When ctx
// ends first, in-progress requests are aborted and their files are kept.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.queue != nil {
		close(t.queue)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		<-done
		return ctx.Err()
	}
}

func (t *HTTPTransport) upload(job upload) {
	defer t.finish(job.reportID)

	logger := t.logger.With("report_id", job.reportID, "path", job.path)

	body, length, err := t.openBody(job.path)
	if err != nil {
		logger.Error("failed to read report for upload", "error", err)
		return
	}

	ctx := t.ctx
	if job.request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.request.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, job.request.Method, job.request.URL, body)
	if err != nil {
		body.Close()
		logger.Error("failed to create upload request", "error", err)
		return
	}
	for name, values := range job.request.Header {
		req.Header[name] = append([]string(nil), values...)
	}
	req.ContentLength = length
	if t.compress {
		req.Header["Content-Encoding"] = []string{EncodingZstd}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		logger.Warn("upload failed; report kept for next sweep", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Info("report uploaded", "status", resp.StatusCode)
	case retryableStatus(resp.StatusCode):
		logger.Warn("upload rejected temporarily; report kept for next sweep", "status", resp.StatusCode)
		return
	default:
		logger.Error("upload rejected; discarding report", "status", resp.StatusCode)
	}

	if err := os.Remove(job.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("failed to remove uploaded report", "error", err)
	}
}

func (t *HTTPTransport) openBody(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	if t.compress {
		defer file.Close()
		encoded, err := compressBody(file)
		if err != nil {
			return nil, 0, fmt.Errorf("compress report: %w", err)
		}
		return io.NopCloser(bytes.NewReader(encoded)), int64(len(encoded)), nil
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (t *HTTPTransport) finish(reportID string) {
	t.mu.Lock()
	delete(t.inflight, reportID)
	t.mu.Unlock()
}

func preflight(path string, request report.UploadRequest) error {
	if request.Method == "" || request.URL == "" {
		return errors.New("upload request is incomplete")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
