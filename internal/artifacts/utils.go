package artifacts

import (
	"strings"

	"github.com/google/uuid"
)

// NewIdentifier returns a random identifier rendered as lowercase hex with
// no separators, suitable for use as a filename stem.
func NewIdentifier() string {
	return strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Filename joins an identifier and the extension of kind.
func Filename(id string, kind Kind) string {
	ext := kind.Extension()
	if ext == "" {
		return id
	}
	return id + "." + ext
}

// SplitName splits a filename into the stem before the first dot and the
// extension, which is only populated when the name has exactly two
// dot-separated segments. Empty segments are ignored, so "a..b" yields
// ("a", "b") and ".log" yields ("log", "").
func SplitName(name string) (string, string) {
	var segments []string
	for _, part := range strings.Split(name, ".") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	if len(segments) == 0 {
		return name, ""
	}
	if len(segments) != 2 {
		return segments[0], ""
	}
	return segments[0], segments[1]
}
