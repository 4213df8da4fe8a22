package artifacts

import (
	"path/filepath"
	"strings"
)

// Kind is the closed set of report artifact kinds. The kind travels with an
// artifact from the capture mechanism through classification to the
// Content-Type of the upload request.
type Kind int

const (
	KindUnknown    Kind = iota // Unrecognized or missing extension
	KindLog                    // Text log written by the in-process capture engine
	KindDiagnostic             // Structured payload delivered by the system diagnostics source
)

const (
	LogExtension        = "log"
	DiagnosticExtension = "mxdiagnostic"

	LogMIMEType        = "application/vnd.stacksift-impact"
	DiagnosticMIMEType = "application/vnd.apple-mxdiagnostic"
	BinaryMIMEType     = "application/octet-stream"
)

// KindForExtension maps a file extension (without the leading dot) to its kind.
func KindForExtension(ext string) Kind {
	switch ext {
	case LogExtension:
		return KindLog
	case DiagnosticExtension:
		return KindDiagnostic
	default:
		return KindUnknown
	}
}

// KindForMIMEType is the inverse of MIMEType for the registered kinds.
func KindForMIMEType(mimeType string) Kind {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case LogMIMEType:
		return KindLog
	case DiagnosticMIMEType:
		return KindDiagnostic
	default:
		return KindUnknown
	}
}

// Extension returns the file extension for the kind, or "" for KindUnknown.
func (k Kind) Extension() string {
	switch k {
	case KindLog:
		return LogExtension
	case KindDiagnostic:
		return DiagnosticExtension
	default:
		return ""
	}
}

// MIMEType returns the content type used when uploading artifacts of this kind.
func (k Kind) MIMEType() string {
	switch k {
	case KindLog:
		return LogMIMEType
	case KindDiagnostic:
		return DiagnosticMIMEType
	default:
		return BinaryMIMEType
	}
}

// Structured reports whether the kind carries a structured diagnostics
// payload rather than a text log.
func (k Kind) Structured() bool {
	return k == KindDiagnostic
}

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Artifact is a single file in the report directory.
type Artifact struct {
	ID   string
	Kind Kind
	Path string
}

// Filename returns the base name of the artifact file.
func (a Artifact) Filename() string {
	return filepath.Base(a.Path)
}

// FromPath derives an artifact from a file path. The identifier is the
// filename up to the first dot; the kind comes from the extension when the
// name has exactly one dot.
func FromPath(path string) Artifact {
	name := filepath.Base(path)
	id, ext := SplitName(name)
	return Artifact{
		ID:   id,
		Kind: KindForExtension(ext),
		Path: path,
	}
}
