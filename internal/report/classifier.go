package report

import (
	"bytes"

	"github.com/stacksift/stacksift/internal/artifacts"
)

// Markers written by the in-process capture engine. A text log containing
// none of them carries no crash and is noise.
var Markers = [...]string{
	"[Thread:Frame]",
	"[Thread:Crashed]",
	"[Thread:State]",
	"[Exception]",
}

// ContentReader reads the full contents of an artifact.
type ContentReader interface {
	Read(artifact artifacts.Artifact) ([]byte, error)
}

// ContainsMarker reports whether content contains at least one marker.
func ContainsMarker(content []byte) bool {
	for _, marker := range Markers {
		if bytes.Contains(content, []byte(marker)) {
			return true
		}
	}
	return false
}

// IsInteresting reports whether an artifact should be uploaded. Structured
// diagnostics payloads are always interesting and are not read. Text logs
// are interesting when they contain a marker; a read failure makes the
// artifact uninteresting.
func IsInteresting(reader ContentReader, artifact artifacts.Artifact) bool {
	if artifact.Kind.Structured() {
		return true
	}

	content, err := reader.Read(artifact)
	if err != nil {
		return false
	}
	return ContainsMarker(content)
}
