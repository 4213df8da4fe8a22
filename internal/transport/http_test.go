package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stacksift/stacksift/internal/report"
)

type capturedRequest struct {
	method string
	header http.Header
	body   []byte
}

type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	requests []capturedRequest
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, capturedRequest{method: r.Method, header: r.Header.Clone(), body: body})
		rs.mu.Unlock()
		w.WriteHeader(rs.status)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) received() []capturedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]capturedRequest(nil), rs.requests...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeReport(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

func buildRequest(t *testing.T, endpoint, name string) report.UploadRequest {
	t.Helper()
	cfg := report.NewConfiguration("org-key")
	cfg.Endpoint = endpoint
	cfg.AppIdentifier = "io.example.app"
	req, err := report.RequestBuilder{Platform: "linux"}.Build(cfg, report.IdentifierFromFilename(name))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return req
}

func closeTransport(t *testing.T, transport *HTTPTransport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestHTTPTransportForegroundUpload(t *testing.T) {
	t.Parallel()

	server := newRecordingServer(t, http.StatusCreated)
	path := writeReport(t, "a1.log", "[Exception] boom")
	transport := NewHTTPTransport(HTTPOptions{Client: server.Client(), Logger: newTestLogger()})

	if err := transport.Submit(path, "a1", buildRequest(t, server.URL, "a1.log")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	closeTransport(t, transport)

	got := server.received()
	if len(got) != 1 {
		t.Fatalf("server received %d requests, want 1", len(got))
	}
	if got[0].method != http.MethodPut {
		t.Fatalf("method = %s, want PUT", got[0].method)
	}
	if string(got[0].body) != "[Exception] boom" {
		t.Fatalf("body = %q", got[0].body)
	}
	if v := got[0].header.Get(report.HeaderReportID); v != "a1" {
		t.Fatalf("report id header = %q, want a1", v)
	}
	if v := got[0].header.Get("Content-Type"); v != "application/vnd.stacksift-impact" {
		t.Fatalf("content type = %q", v)
	}
	if v := got[0].header.Get(report.HeaderAPIKey); v != "org-key" {
		t.Fatalf("api key header = %q", v)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("uploaded report still on disk: %v", err)
	}
	if transport.UsingBackgroundUploads() {
		t.Fatal("UsingBackgroundUploads() = true, want false")
	}
}

func TestHTTPTransportKeepsReportOnServerError(t *testing.T) {
	t.Parallel()

	server := newRecordingServer(t, http.StatusServiceUnavailable)
	path := writeReport(t, "a1.log", "[Exception]")
	transport := NewHTTPTransport(HTTPOptions{Client: server.Client(), Logger: newTestLogger()})

	if err := transport.Submit(path, "a1", buildRequest(t, server.URL, "a1.log")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	closeTransport(t, transport)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("report removed after retryable failure: %v", err)
	}
}

func TestHTTPTransportDiscardsPermanentRejection(t *testing.T) {
	t.Parallel()

	server := newRecordingServer(t, http.StatusForbidden)
	path := writeReport(t, "a1.log", "[Exception]")
	transport := NewHTTPTransport(HTTPOptions{Client: server.Client(), Logger: newTestLogger()})

	if err := transport.Submit(path, "a1", buildRequest(t, server.URL, "a1.log")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	closeTransport(t, transport)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("report kept after permanent rejection: %v", err)
	}
}

func TestHTTPTransportBackgroundUpload(t *testing.T) {
	t.Parallel()

	server := newRecordingServer(t, http.StatusOK)
	transport := NewHTTPTransport(HTTPOptions{
		Client:     server.Client(),
		Logger:     newTestLogger(),
		Background: true,
		Workers:    2,
	})

	paths := []string{
		writeReport(t, "a1.log", "[Exception]"),
		writeReport(t, "c3.mxdiagnostic", "{}"),
	}
	for _, path := range paths {
		id := report.IdentifierFromPath(path)
		if err := transport.Submit(path, id.ReportID(), buildRequest(t, server.URL, id.Value)); err != nil {
			t.Fatalf("Submit(%s) error = %v", path, err)
		}
	}

	closeTransport(t, transport)

	if got := len(server.received()); got != 2 {
		t.Fatalf("server received %d requests, want 2", got)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("report %s still on disk", path)
		}
	}
	if !transport.UsingBackgroundUploads() {
		t.Fatal("UsingBackgroundUploads() = false, want true")
	}
}

func TestHTTPTransportCompressedUpload(t *testing.T) {
	t.Parallel()

	server := newRecordingServer(t, http.StatusOK)
	path := writeReport(t, "a1.log", "[Thread:Crashed] id: 1")
	transport := NewHTTPTransport(HTTPOptions{Client: server.Client(), Logger: newTestLogger(), Compress: true})

	if err := transport.Submit(path, "a1", buildRequest(t, server.URL, "a1.log")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	closeTransport(t, transport)

	got := server.received()
	if len(got) != 1 {
		t.Fatalf("server received %d requests, want 1", len(got))
	}
	if v := got[0].header.Get("Content-Encoding"); v != EncodingZstd {
		t.Fatalf("Content-Encoding = %q, want zstd", v)
	}
	decoded, err := DecompressBody(bytes.NewReader(got[0].body), 0)
	if err != nil {
		t.Fatalf("DecompressBody() error = %v", err)
	}
	if string(decoded) != "[Thread:Crashed] id: 1" {
		t.Fatalf("decoded body = %q", decoded)
	}
}

func TestHTTPTransportPreflightFailures(t *testing.T) {
	t.Parallel()

	transport := NewHTTPTransport(HTTPOptions{Logger: newTestLogger()})
	req := buildRequest(t, "https://reports.example.com/v1/reports", "a1.log")

	err := transport.Submit(filepath.Join(t.TempDir(), "missing.log"), "missing", req)
	var handoff *HandoffError
	if !errors.As(err, &handoff) {
		t.Fatalf("Submit(missing) error = %v, want *HandoffError", err)
	}
	if handoff.ReportID != "missing" {
		t.Fatalf("HandoffError.ReportID = %q", handoff.ReportID)
	}

	if err := transport.Submit(t.TempDir(), "dir", req); !errors.As(err, &handoff) {
		t.Fatalf("Submit(dir) error = %v, want *HandoffError", err)
	}

	path := writeReport(t, "a1.log", "[Exception]")
	if err := transport.Submit(path, "a1", report.UploadRequest{}); !errors.As(err, &handoff) {
		t.Fatalf("Submit(empty request) error = %v, want *HandoffError", err)
	}

	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := transport.Submit(path, "a1", req); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

func blockingServer(t *testing.T, status int) (*httptest.Server, func()) {
	t.Helper()
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	t.Cleanup(unblock)
	return server, unblock
}

func TestHTTPTransportForegroundSubmitDoesNotWaitForNetwork(t *testing.T) {
	t.Parallel()

	server, unblock := blockingServer(t, http.StatusCreated)
	transport := NewHTTPTransport(HTTPOptions{Client: server.Client(), Logger: newTestLogger()})

	paths := []string{
		writeReport(t, "a1.log", "[Exception]"),
		writeReport(t, "b2.log", "[Exception]"),
	}
	requests := make([]report.UploadRequest, len(paths))
	for i, path := range paths {
		requests[i] = buildRequest(t, server.URL, filepath.Base(path))
	}

	submitted := make(chan error, 1)
	go func() {
		for i, path := range paths {
			id := report.IdentifierFromPath(path)
			if err := transport.Submit(path, id.ReportID(), requests[i]); err != nil {
				submitted <- err
				return
			}
		}
		submitted <- nil
	}()

	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit() blocked on an unanswered upload")
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("report removed before the upload finished: %v", err)
		}
	}

	unblock()
	closeTransport(t, transport)

	for _, path := range paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("report %s still on disk after upload", path)
		}
	}
}

func TestHTTPTransportQueueFullKeepsReport(t *testing.T) {
	t.Parallel()

	server, unblock := blockingServer(t, http.StatusOK)
	transport := NewHTTPTransport(HTTPOptions{
		Client:     server.Client(),
		Logger:     newTestLogger(),
		Background: true,
		Workers:    1,
		QueueSize:  1,
	})

	var paths []string
	for i, name := range []string{"a.log", "b.log", "c.log", "d.log"} {
		path := writeReport(t, name, "[Exception]")
		paths = append(paths, path)
		id := report.IdentifierFromFilename(name)
		if err := transport.Submit(path, id.ReportID(), buildRequest(t, server.URL, name)); err != nil {
			t.Fatalf("Submit(%s) error = %v", name, err)
		}
		if i == 0 {
			// Let the single worker pick up the first job.
			time.Sleep(50 * time.Millisecond)
		}
	}

	unblock()
	closeTransport(t, transport)

	// One upload in progress and one queued; the rest wait for the next
	// sweep.
	var kept int
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			kept++
		}
	}
	if kept < 2 {
		t.Fatalf("kept %d reports after queue overflow, want at least 2", kept)
	}
}
