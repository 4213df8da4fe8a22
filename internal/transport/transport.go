// Package transport moves report artifacts to the collector. A transport
// that accepts a hand-off owns the artifact file from then on: it reads,
// uploads and eventually deletes it.
package transport

import (
	"errors"
	"fmt"

	"github.com/stacksift/stacksift/internal/report"
)

// Transport accepts artifacts for delivery.
type Transport interface {
	// Submit hands the file at path over for upload. An error means the
	// hand-off was rejected locally and the caller still owns the file.
	Submit(path, reportID string, request report.UploadRequest) error
}

// BackgroundCapable is implemented by transports that can upload on a
// background queue instead of inline.
type BackgroundCapable interface {
	UsingBackgroundUploads() bool
}

// ErrClosed rejects hand-offs after Close.
var ErrClosed = errors.New("transport is closed")

// HandoffError is returned when a transport rejects an artifact before any
// network activity.
type HandoffError struct {
	ReportID string
	Err      error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("hand-off of report %s rejected: %v", e.ReportID, e.Err)
}

func (e *HandoffError) Unwrap() error {
	return e.Err
}

func rejected(reportID string, err error) error {
	return &HandoffError{ReportID: reportID, Err: err}
}
