package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReportDirName is the leaf directory holding pending reports.
const ReportDirName = "Impact"

// DefaultReportDir returns the per-application report directory under the
// user cache directory, or under the temp directory when no cache
// directory can be determined.
func DefaultReportDir(appIdentifier string) string {
	scope := sanitizeScope(appIdentifier)

	base, err := os.UserCacheDir()
	if err != nil {
		getLogger().Warn("user cache directory unavailable, using temp directory", "error", err)
		base = os.TempDir()
	}
	return filepath.Join(base, scope, ReportDirName)
}

// EnsureDir creates dir if needed and verifies it is a writable directory.
func EnsureDir(dir string) error {
	if dir == "" {
		return errors.New("directory not specified")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)

	getLogger().Debug("directory ready", "dir", dir)
	return nil
}

func sanitizeScope(appIdentifier string) string {
	scope := strings.Map(func(r rune) rune {
		if r == filepath.Separator || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, strings.TrimSpace(appIdentifier))
	if scope == "" || scope == "." || scope == ".." {
		return "stacksift"
	}
	return scope
}
